package monitoring_test

import "context"

func ctxBg() context.Context { return context.Background() }
