package tenant

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/codes"

	"github.com/testexechq/control-plane/cmd/server/internal/response"
	"github.com/testexechq/control-plane/internal/types"
)

func configurationIDParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("configuration_id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError("invalid configuration id"),
		)
	}

	return id, nil
}

func (h *Handler) CreateConfiguration(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "CreateConfiguration")
	defer span.End()

	claims, err := h.claims(c)
	if err != nil {
		return err
	}

	body, err := readYAMLBody(c)
	if err != nil {
		return err
	}

	doc, err := h.Policy.CreateUserConfigurationFromYAML(ctx, *claims, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create configuration")
		return response.FromError(err)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "created configuration")
	return c.JSON(http.StatusCreated, doc)
}

func (h *Handler) ListConfigurations(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "ListConfigurations")
	defer span.End()

	claims, err := h.claims(c)
	if err != nil {
		return err
	}

	docs, err := h.Policy.ListUserConfigurations(ctx, *claims)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list configurations")
		return response.FromError(err)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "listed configurations")
	return c.JSON(http.StatusOK, docs)
}

func (h *Handler) GetConfiguration(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "GetConfiguration")
	defer span.End()

	claims, err := h.claims(c)
	if err != nil {
		return err
	}

	id, err := configurationIDParam(c)
	if err != nil {
		return err
	}

	doc, err := h.Policy.GetUserConfiguration(ctx, id, *claims)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get configuration")
		return response.FromError(err)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "got configuration")
	return c.JSON(http.StatusOK, doc)
}

func (h *Handler) UpdateConfiguration(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "UpdateConfiguration")
	defer span.End()

	claims, err := h.claims(c)
	if err != nil {
		return err
	}

	id, err := configurationIDParam(c)
	if err != nil {
		return err
	}

	body, err := readYAMLBody(c)
	if err != nil {
		return err
	}

	doc, err := h.Policy.UpdateUserConfigurationFromYAML(ctx, id, *claims, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to update configuration")
		return response.FromError(err)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "updated configuration")
	return c.JSON(http.StatusOK, doc)
}

func (h *Handler) DeleteConfiguration(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "DeleteConfiguration")
	defer span.End()

	claims, err := h.claims(c)
	if err != nil {
		return err
	}

	id, err := configurationIDParam(c)
	if err != nil {
		return err
	}

	if err := h.Policy.DeleteUserConfiguration(ctx, id, *claims); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete configuration")
		return response.FromError(err)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "deleted configuration")
	return c.NoContent(http.StatusNoContent)
}
