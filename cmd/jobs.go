// File: cmd/jobs.go
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/socialdriver/api/schemas"
)

// Job is one account and the actions to perform with it.
type Job struct {
	Handle  string            `yaml:"handle"`
	Cookies map[string]string `yaml:"cookies"`
	// InterActionDelay overrides batch.inter_action_delay for this account.
	InterActionDelay *time.Duration `yaml:"inter_action_delay,omitempty"`
	Actions          []jobAction    `yaml:"actions"`
}

type jobAction struct {
	Type    string `yaml:"type"`
	Target  string `yaml:"target"`
	Payload string `yaml:"payload,omitempty"`
}

type jobsFile struct {
	Jobs []Job `yaml:"jobs"`
}

func (j Job) Credentials() schemas.Credentials {
	return schemas.Credentials{Handle: j.Handle, Cookies: j.Cookies}
}

// Requests converts the job's actions, accepting the loose spellings
// schemas.ParseActionType does.
func (j Job) Requests() ([]schemas.ActionRequest, error) {
	reqs := make([]schemas.ActionRequest, 0, len(j.Actions))
	for i, a := range j.Actions {
		t, err := schemas.ParseActionType(a.Type)
		if err != nil {
			return nil, fmt.Errorf("actions[%d]: %w", i, err)
		}
		req := schemas.ActionRequest{Type: t, Target: strings.TrimSpace(a.Target), Payload: a.Payload}
		if err := req.Validate(); err != nil {
			return nil, fmt.Errorf("actions[%d]: %w", i, err)
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// Delay returns the pacing delay for this job.
func (j Job) Delay(fallback time.Duration) time.Duration {
	if j.InterActionDelay != nil {
		return *j.InterActionDelay
	}
	return fallback
}

// loadJobs parses and structurally validates a jobs file. Every problem in
// the file is reported, not only the first.
func loadJobs(path string, requiredCookies []string) ([]Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs file: %w", err)
	}

	var f jobsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse jobs file %s: %w", path, err)
	}
	if len(f.Jobs) == 0 {
		return nil, fmt.Errorf("jobs file %s defines no jobs", path)
	}

	var errs []error
	seen := make(map[string]bool, len(f.Jobs))
	for i, job := range f.Jobs {
		name := fmt.Sprintf("jobs[%d]", i)
		if job.Handle != "" {
			name = fmt.Sprintf("jobs[%d] (%s)", i, job.Handle)
		}
		handle := strings.ToLower(job.Handle)
		if seen[handle] && handle != "" {
			errs = append(errs, fmt.Errorf("%s: duplicate account", name))
		}
		seen[handle] = true

		if missing := job.Credentials().Missing(requiredCookies); len(missing) > 0 {
			errs = append(errs, fmt.Errorf("%s: credential set is missing %s", name, strings.Join(missing, ", ")))
		}
		if _, err := job.Requests(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		if job.InterActionDelay != nil && *job.InterActionDelay < 0 {
			errs = append(errs, fmt.Errorf("%s: inter_action_delay must not be negative", name))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return f.Jobs, nil
}
