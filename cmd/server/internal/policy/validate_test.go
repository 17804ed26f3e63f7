package policy_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"github.com/testexechq/control-plane/cmd/server/internal/policy"
)

func adminWithCaps(cpu, memory string) *policy.AdminConfiguration {
	admin := policy.DefaultAdminConfiguration()
	admin.ResourceManagement.DefaultContainerLimits.CPULimit = cpu
	admin.ResourceManagement.DefaultContainerLimits.MemoryLimit = memory
	return &admin
}

func TestValidateAgainstAdmin(t *testing.T) {
	t.Run("WithinCaps", func(t *testing.T) {
		doc := &policy.UserConfiguration{
			Job: policy.UserJobDefaults{
				Limits: policy.ContainerLimits{CPULimit: "500m", MemoryLimit: "512Mi"},
			},
		}

		assert.NoError(t, policy.ValidateAgainstAdmin(doc, adminWithCaps("1", "1Gi")))
	})

	t.Run("CPUExceedsCap", func(t *testing.T) {
		doc := &policy.UserConfiguration{
			Job: policy.UserJobDefaults{
				Limits: policy.ContainerLimits{CPULimit: "4"},
			},
		}

		err := policy.ValidateAgainstAdmin(doc, adminWithCaps("1", "1Gi"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "CPU limit (4) exceeds maximum allowed (1)")
	})

	t.Run("MemoryExceedsCap", func(t *testing.T) {
		doc := &policy.UserConfiguration{
			Job: policy.UserJobDefaults{
				Limits: policy.ContainerLimits{MemoryLimit: "2Gi"},
			},
		}

		err := policy.ValidateAgainstAdmin(doc, adminWithCaps("1", "1Gi"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Memory limit (2Gi) exceeds maximum allowed (1Gi)")
	})

	t.Run("MillicoresCompareAgainstCores", func(t *testing.T) {
		doc := &policy.UserConfiguration{
			Job: policy.UserJobDefaults{
				Limits: policy.ContainerLimits{CPULimit: "2000m"},
			},
		}

		assert.Error(t, policy.ValidateAgainstAdmin(doc, adminWithCaps("1", "1Gi")))
	})

	t.Run("EmptyLimitsSkipValidation", func(t *testing.T) {
		doc := &policy.UserConfiguration{}

		assert.NoError(t, policy.ValidateAgainstAdmin(doc, adminWithCaps("1", "1Gi")))
	})

	t.Run("MalformedUserLimit", func(t *testing.T) {
		doc := &policy.UserConfiguration{
			Job: policy.UserJobDefaults{
				Limits: policy.ContainerLimits{CPULimit: "four"},
			},
		}

		assert.Error(t, policy.ValidateAgainstAdmin(doc, adminWithCaps("1", "1Gi")))
	})
}

func TestAdminConfigurationYAMLRoundTrip(t *testing.T) {
	original := policy.DefaultAdminConfiguration()
	original.Cluster.NodePools = []string{"general", "burst"}

	body, err := yaml.Marshal(&original)
	require.NoError(t, err)

	var decoded policy.AdminConfiguration
	require.NoError(t, yaml.Unmarshal(body, &decoded))

	// identity and timestamps are row owned, everything else round-trips
	assert.Equal(t, original.Name, decoded.Name)
	assert.Equal(t, original.ResourceManagement, decoded.ResourceManagement)
	assert.Equal(t, original.Retention, decoded.Retention)
	assert.Equal(t, original.Cluster, decoded.Cluster)
	assert.Equal(t, original.RateLimits, decoded.RateLimits)
	assert.Equal(t, original.Alerts, decoded.Alerts)
}

func TestUserConfigurationYAMLIdentityNotForgeable(t *testing.T) {
	body := []byte(`
id: 11111111-1111-1111-1111-111111111111
lobId: forged-lob
teamId: forged-team
userId: forged-user
name: my config
job:
  timeoutMinutes: 15
  limits:
    cpuLimit: 500m
`)

	var doc policy.UserConfiguration
	require.NoError(t, yaml.Unmarshal(body, &doc))

	assert.Empty(t, doc.ID)
	assert.Empty(t, doc.LobID)
	assert.Empty(t, doc.TeamID)
	assert.Empty(t, doc.UserID)
	assert.Equal(t, "my config", doc.Name)
	assert.Equal(t, 15, doc.Job.TimeoutMinutes)
	assert.Equal(t, "500m", doc.Job.Limits.CPULimit)
}
