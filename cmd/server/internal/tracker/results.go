package tracker

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/testexechq/control-plane/internal/types"
)

type ParsedResult struct {
	TestName        string
	Status          types.TestResultStatus
	DurationSeconds float64
	ErrorMessage    string
	StackTrace      string
}

type ParsedResults struct {
	Results []ParsedResult
	Passed  int
	Failed  int
	Skipped int
}

type testElement struct {
	Name     string `xml:"name,attr"`
	Result   string `xml:"result,attr"`
	Duration string `xml:"duration,attr"`
	Failure  *struct {
		Message    string `xml:"message"`
		StackTrace string `xml:"stack-trace"`
	} `xml:"failure"`
}

func normalizeResult(raw string) types.TestResultStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pass", "passed":
		return types.TestResultPassed
	case "fail", "failed":
		return types.TestResultFailed
	case "skip", "skipped", "ignored":
		return types.TestResultSkipped
	default:
		return types.TestResultUnknown
	}
}

// ParseTestResults walks the report and collects every <test> element at
// any depth. A malformed document is not fatal to the caller: whatever
// parsed before the error is returned alongside it.
func ParseTestResults(report []byte) (*ParsedResults, error) {
	parsed := &ParsedResults{Results: []ParsedResult{}}

	decoder := xml.NewDecoder(bytes.NewReader(report))
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			return parsed, nil
		}
		if err != nil {
			return parsed, err
		}

		start, ok := token.(xml.StartElement)
		if !ok || start.Name.Local != "test" {
			continue
		}

		var element testElement
		if err := decoder.DecodeElement(&element, &start); err != nil {
			return parsed, err
		}

		result := ParsedResult{
			TestName: element.Name,
			Status:   normalizeResult(element.Result),
		}

		if duration, err := strconv.ParseFloat(element.Duration, 64); err == nil {
			result.DurationSeconds = duration
		}

		if element.Failure != nil {
			result.ErrorMessage = strings.TrimSpace(element.Failure.Message)
			result.StackTrace = strings.TrimSpace(element.Failure.StackTrace)
		}

		switch result.Status {
		case types.TestResultPassed:
			parsed.Passed++
		case types.TestResultFailed:
			parsed.Failed++
		case types.TestResultSkipped:
			parsed.Skipped++
		}

		parsed.Results = append(parsed.Results, result)
	}
}
