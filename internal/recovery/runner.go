package recovery

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bastionkit/bastion/internal/database"
	bkerrors "github.com/bastionkit/bastion/internal/errors"
	"github.com/bastionkit/bastion/internal/logging"
)

// ExecRunner is the production StepRunner. Commands run through the shell,
// API and configuration steps go over HTTP, custom steps dispatch to
// registered functions.
type ExecRunner struct {
	HTTPClient *http.Client
	// CustomSteps maps step IDs to registered custom actions.
	CustomSteps map[string]func(ctx context.Context) error
	logger      zerolog.Logger
}

// NewExecRunner builds a runner with sane defaults.
func NewExecRunner(custom map[string]func(ctx context.Context) error) *ExecRunner {
	return &ExecRunner{
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		CustomSteps: custom,
		logger:      logging.Component("recovery.runner"),
	}
}

// Run executes one step. The executor owns timeouts and retries; Run only
// performs the action once.
func (r *ExecRunner) Run(ctx context.Context, step Step) error {
	switch step.Type {
	case StepCommand:
		return r.runCommand(ctx, step.Target)
	case StepServiceRestart:
		return r.runServiceRestart(ctx, step.Target)
	case StepAPICall:
		return r.httpRequest(ctx, http.MethodPost, step.Target)
	case StepConfiguration:
		// Configuration steps hit a reload endpoint when the target is a
		// URL, otherwise they run as a shell command.
		if strings.HasPrefix(step.Target, "http://") || strings.HasPrefix(step.Target, "https://") {
			return r.httpRequest(ctx, http.MethodPost, step.Target)
		}
		return r.runCommand(ctx, step.Target)
	case StepCustom:
		fn, ok := r.CustomSteps[step.ID]
		if !ok {
			return bkerrors.Newf(bkerrors.KindStepExecution, "run_step", step.ID,
				"no custom action registered for step %s", step.ID)
		}
		return fn(ctx)
	case StepDatabaseRestore:
		return bkerrors.Newf(bkerrors.KindStepExecution, "run_step", step.ID,
			"database_restore is handled by the executor")
	default:
		return bkerrors.Newf(bkerrors.KindStepExecution, "run_step", step.ID,
			"unknown step type %q", step.Type)
	}
}

func (r *ExecRunner) runCommand(ctx context.Context, command string) error {
	if command == "" {
		return fmt.Errorf("empty command")
	}
	out, err := exec.CommandContext(ctx, "/bin/sh", "-c", command).CombinedOutput()
	if err != nil {
		return fmt.Errorf("command %q: %w: %s", command, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (r *ExecRunner) runServiceRestart(ctx context.Context, service string) error {
	if service == "" {
		return fmt.Errorf("empty service name")
	}
	out, err := exec.CommandContext(ctx, "systemctl", "restart", service).CombinedOutput()
	if err != nil {
		return fmt.Errorf("restarting %s: %w: %s", service, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (r *ExecRunner) httpRequest(ctx context.Context, method, url string) error {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}
	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode)
	}
	return nil
}

// StandardValidator is the production Validator. Database checks go
// through the shared handle, HTTP checks through the client, integrity and
// custom checks through registered functions.
type StandardValidator struct {
	DB         database.DB
	HTTPClient *http.Client
	// Health probes one component by name; wired to the health checker set.
	Health func(ctx context.Context, component string) ComponentHealth
	// Integrity verifies stored backup data; wired to backup verification.
	Integrity func(ctx context.Context, target string) error
	Custom    map[string]func(ctx context.Context) (bool, error)
}

// Validate runs one post-recovery check and reports whether it passed.
func (v *StandardValidator) Validate(ctx context.Context, step ValidationStep) (bool, error) {
	switch step.Type {
	case ValidateHealthCheck:
		if v.Health == nil {
			return false, fmt.Errorf("no health prober configured")
		}
		health := v.Health(ctx, step.Target)
		return health.Status == StateHealthy || health.Status == StateDegraded, nil
	case ValidateDatabaseQuery:
		if v.DB == nil {
			return false, fmt.Errorf("no database configured")
		}
		if _, err := v.DB.Query(ctx, step.Target); err != nil {
			return false, err
		}
		return true, nil
	case ValidateAPITest:
		return v.apiTest(ctx, step.Target)
	case ValidatePerformanceTest:
		start := time.Now()
		ok, err := v.apiTest(ctx, step.Target)
		if err != nil || !ok {
			return false, err
		}
		if step.Timeout > 0 && time.Since(start) > step.Timeout {
			return false, nil
		}
		return true, nil
	case ValidateDataIntegrity:
		if v.Integrity == nil {
			return false, fmt.Errorf("no integrity check configured")
		}
		if err := v.Integrity(ctx, step.Target); err != nil {
			return false, err
		}
		return true, nil
	case ValidateCustom:
		fn, ok := v.Custom[step.ID]
		if !ok {
			return false, fmt.Errorf("no custom validation registered for step %s", step.ID)
		}
		return fn(ctx)
	default:
		return false, fmt.Errorf("unknown validation type %q", step.Type)
	}
}

func (v *StandardValidator) apiTest(ctx context.Context, url string) (bool, error) {
	client := v.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300, nil
}
