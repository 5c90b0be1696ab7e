package observability

import (
	"github.com/xkilldash9x/socialdriver/api/schemas"
	"go.uber.org/zap"
)

// Field helpers keep key names consistent across components.

func SessionID(id string) zap.Field { return zap.String("session_id", id) }

func Account(handle string) zap.Field { return zap.String("account", handle) }

func RunID(id string) zap.Field { return zap.String("run_id", id) }

// Request expands to the action type and target of req. The payload is never logged.
func Request(req schemas.ActionRequest) zap.Field {
	return zap.Dict("request",
		zap.String("action", string(req.Type)),
		zap.String("target", req.Target),
	)
}

// Outcome logs the verdict of o together with its reason and strategy.
func Outcome(o schemas.ActionOutcome) zap.Field {
	return zap.Dict("outcome",
		zap.String("verdict", string(o.Verdict)),
		zap.String("strategy", o.Strategy),
		zap.String("reason", o.Reason),
		zap.Duration("duration", o.Duration),
	)
}
