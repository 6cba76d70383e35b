package pipeline

import (
	"context"
	"fmt"

	"github.com/squadron-dev/squadron/pkg/models"
)

// Built-in action stage names.
const (
	ActionMergePR     = "merge_pr"
	ActionComment     = "comment"
	ActionAddLabels   = "add_labels"
	ActionRemoveLabel = "remove_label"
	ActionCloseIssue  = "close_issue"
	ActionAssignIssue = "assign_issue"
	ActionSetContext  = "set_context"
)

// performAction executes one built-in action stage against GitHub (or the
// run context, for set_context).
func (e *Engine) performAction(ctx context.Context, run *models.PipelineRun, stage *Stage) (models.JSONMap, error) {
	params := stage.Params
	switch stage.Action {
	case ActionMergePR:
		number, err := actionPRNumber(run, params)
		if err != nil {
			return nil, err
		}
		method := paramString(params, "method")
		if method == "" {
			method = "squash"
		}
		if err := e.gh.MergePR(ctx, number, method); err != nil {
			return nil, fmt.Errorf("merge pr #%d: %w", number, err)
		}
		return models.JSONMap{"merged_pr": number}, nil

	case ActionComment:
		body := paramString(params, "body")
		if body == "" {
			return nil, fmt.Errorf("comment action requires body")
		}
		number, err := actionTargetNumber(run, params)
		if err != nil {
			return nil, err
		}
		if err := e.gh.CreateComment(ctx, number, interpolate(body, run)); err != nil {
			return nil, fmt.Errorf("comment on #%d: %w", number, err)
		}
		return nil, nil

	case ActionAddLabels:
		labels := paramStrings(params, "labels")
		if len(labels) == 0 {
			return nil, fmt.Errorf("add_labels action requires labels")
		}
		number, err := actionTargetNumber(run, params)
		if err != nil {
			return nil, err
		}
		if err := e.gh.AddLabels(ctx, number, labels); err != nil {
			return nil, fmt.Errorf("label #%d: %w", number, err)
		}
		return nil, nil

	case ActionRemoveLabel:
		label := paramString(params, "label")
		if label == "" {
			return nil, fmt.Errorf("remove_label action requires label")
		}
		number, err := actionTargetNumber(run, params)
		if err != nil {
			return nil, err
		}
		if err := e.gh.RemoveLabel(ctx, number, label); err != nil {
			return nil, fmt.Errorf("unlabel #%d: %w", number, err)
		}
		return nil, nil

	case ActionCloseIssue:
		number, err := actionTargetNumber(run, params)
		if err != nil {
			return nil, err
		}
		if err := e.gh.CloseIssue(ctx, number); err != nil {
			return nil, fmt.Errorf("close #%d: %w", number, err)
		}
		return nil, nil

	case ActionAssignIssue:
		assignees := paramStrings(params, "assignees")
		if len(assignees) == 0 {
			return nil, fmt.Errorf("assign_issue action requires assignees")
		}
		number, err := actionTargetNumber(run, params)
		if err != nil {
			return nil, err
		}
		if err := e.gh.AssignIssue(ctx, number, assignees); err != nil {
			return nil, fmt.Errorf("assign #%d: %w", number, err)
		}
		return nil, nil

	case ActionSetContext:
		out := models.JSONMap{}
		for k, v := range params {
			out[k] = v
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown action %q", stage.Action)
}

// actionTargetNumber resolves the issue/PR an action targets: an explicit
// number param wins, then the run's issue, then its PR.
func actionTargetNumber(run *models.PipelineRun, params map[string]any) (int, error) {
	if n := paramInt(params, "number"); n != 0 {
		return n, nil
	}
	if n := runNumber(run); n != 0 {
		return n, nil
	}
	return 0, fmt.Errorf("action has no issue or pr to target")
}

// actionPRNumber resolves the PR a merge targets; merges never fall back to
// the issue number.
func actionPRNumber(run *models.PipelineRun, params map[string]any) (int, error) {
	if n := paramInt(params, "number"); n != 0 {
		return n, nil
	}
	if run.PRNumber != nil {
		return *run.PRNumber, nil
	}
	return 0, fmt.Errorf("merge_pr action has no pr to target")
}

func paramString(params map[string]any, key string) string {
	if s, ok := params[key].(string); ok {
		return s
	}
	return ""
}

func paramInt(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func paramStrings(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
