package analysis

import "strings"

const exitCodeWrapper = "process exited with code 1"

const telemetryMarkerPrefix = "(TELEMETRY-MARKER="

// genericTestMarkers are runner-level failure messages that merely repeat
// what the dedicated test report already covers.
var genericTestMarkers = []string{
	"test run failed",
	"vstest task failed",
	"exited with code 1 while running tests",
}

// cleanupSteps applies the message-cleanup pipeline to assembled step
// results: per-step dedupe by message, generic-wrapper removal, test
// runner noise suppression for steps whose pipeline reference is covered
// by a test run, telemetry-marker stripping, and removal of steps left
// with nothing to report. The pipeline is idempotent.
func cleanupSteps(steps []StepResult, testRefs map[string]struct{}) []StepResult {
	out := steps[:0:0]
	for _, step := range steps {
		step.Errors = dedupeErrors(step.Errors)
		step.Errors = dropExitCodeWrapper(step.Errors)
		if step.Ref != nil {
			if _, covered := testRefs[step.Ref.Key()]; covered {
				step.Errors = dropGenericTestMarkers(step.Errors)
			}
		}
		for i := range step.Errors {
			step.Errors[i].Message = stripTelemetryMarker(step.Errors[i].Message)
		}
		if len(step.Errors) == 0 && len(step.KnownIssues) == 0 {
			continue
		}
		out = append(out, step)
	}
	return out
}

func dedupeErrors(errors []StepError) []StepError {
	seen := make(map[string]struct{}, len(errors))
	out := errors[:0:0]
	for _, e := range errors {
		if _, ok := seen[e.Message]; ok {
			continue
		}
		seen[e.Message] = struct{}{}
		out = append(out, e)
	}
	return out
}

// dropExitCodeWrapper removes the generic "process exited with code 1"
// wrapper message, but only when another distinct message exists on the
// step. A lone wrapper message is the only signal available and is kept.
func dropExitCodeWrapper(errors []StepError) []StepError {
	hasOther := false
	for _, e := range errors {
		if !isExitCodeWrapper(e.Message) {
			hasOther = true
			break
		}
	}
	if !hasOther {
		return errors
	}
	out := errors[:0:0]
	for _, e := range errors {
		if isExitCodeWrapper(e.Message) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func isExitCodeWrapper(message string) bool {
	trimmed := strings.TrimRight(strings.TrimSpace(message), ".")
	return strings.EqualFold(trimmed, exitCodeWrapper)
}

func dropGenericTestMarkers(errors []StepError) []StepError {
	out := errors[:0:0]
	for _, e := range errors {
		if isGenericTestMarker(e.Message) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func isGenericTestMarker(message string) bool {
	lower := strings.ToLower(message)
	for _, marker := range genericTestMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// stripTelemetryMarker removes every inline "(TELEMETRY-MARKER=...)"
// annotation token, plus one trailing space after each occurrence.
func stripTelemetryMarker(message string) string {
	for {
		start := strings.Index(message, telemetryMarkerPrefix)
		if start < 0 {
			return message
		}
		end := strings.Index(message[start:], ")")
		if end < 0 {
			return message
		}
		rest := message[start+end+1:]
		rest = strings.TrimPrefix(rest, " ")
		message = message[:start] + rest
	}
}
