// Package logging wraps zap for taskd: a custom trace level below Debug,
// dual output (stdout plus the OTel log bridge), correlation fields pulled
// from the context, secret redaction at the encoder, and level-aware
// sampling that never drops errors.
//
// Create a logger from config:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), otelProvider)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
// Every method takes a context first; project, session, task and request
// ids stored there become fields automatically:
//
//	ctx := logging.WithProjectID(ctx, "proj-mainline")
//	ctx = logging.WithSessionID(ctx, "sess-0042")
//	ctx = logging.WithTaskID(ctx, "2.1.3")
//	logger.Info(ctx, "task activated", zap.Duration("took", d))
//
//	{"ts":"2026-02-11T10:15:30Z","level":"info","msg":"task activated",
//	 "trace_id":"abc123","project.id":"proj-mainline","session.id":"sess-0042",
//	 "task.id":"2.1.3","took":"45ms"}
//
// Redaction runs in the encoder, so a sensitive value blocked there never
// reaches stdout or the collector. config.Secret values additionally
// redact themselves; use the helpers when logging raw strings:
//
//	logger.Info(ctx, "push authorized",
//	    logging.RedactedString("token", pushToken))
//
// Sampling keeps the first N entries per message per tick and a fraction
// thereafter, per level; error entries and above always pass. Disable it
// when reading logs interactively:
//
//	cfg.Sampling.Enabled = false
//
// Tests assert on entries through TestLogger:
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "dispatch", zap.String("action", "resume"))
//	tl.AssertLogged(t, zapcore.InfoLevel, "dispatch")
//	tl.AssertNoSecrets(t)
package logging
