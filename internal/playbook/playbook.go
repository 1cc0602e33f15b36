// Package playbook executes scoped remediations from a closed
// registry. Nothing here runs without an approval identifier, every
// attempt is written to the append-only execution log, and dry-run
// previews mutations without performing them.
package playbook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sgerhart/triageflux/internal/auditlog"
	"github.com/sgerhart/triageflux/internal/infra"
	"github.com/sgerhart/triageflux/internal/model"
)

// Step is one command inside a playbook. Placeholders: {resource} is
// the target identifier, {name} resolves from the params map.
type Step struct {
	Name    string
	Command []string
}

// Playbook is one registered remediation. Read steps always run;
// mutate steps are skipped under dry-run.
type Playbook struct {
	Name        string
	Description string
	Params      []string // required parameter names
	ReadSteps   []Step
	MutateSteps []Step
}

// Registry is the closed set of executable playbooks.
type Registry struct {
	playbooks map[string]Playbook
	executor  infra.CommandExecutor
	audit     auditlog.Log
	logger    *slog.Logger
	now       func() time.Time
}

// NewRegistry creates a registry preloaded with the builtin playbooks.
func NewRegistry(executor infra.CommandExecutor, audit auditlog.Log, logger *slog.Logger) *Registry {
	r := &Registry{
		playbooks: make(map[string]Playbook),
		executor:  executor,
		audit:     audit,
		logger:    logger,
		now:       time.Now,
	}
	for _, p := range builtinPlaybooks() {
		r.playbooks[p.Name] = p
	}
	return r
}

// Names lists the registered playbook names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.playbooks))
	for name := range r.playbooks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns a playbook by name.
func (r *Registry) Get(name string) (Playbook, bool) {
	p, ok := r.playbooks[name]
	return p, ok
}

// Execute runs one playbook against one resource. A blank approval
// identifier rejects the request before any command runs; the
// rejection is still recorded. The returned execution record is
// always appended to the audit log, whatever the outcome.
func (r *Registry) Execute(ctx context.Context, name, resource, approvalID string, dryRun bool, params map[string]string) (*model.PlaybookExecution, error) {
	record := &model.PlaybookExecution{
		ID:         uuid.New().String(),
		Playbook:   name,
		Resource:   resource,
		ApprovalID: approvalID,
		DryRun:     dryRun,
		Timestamp:  r.now().UTC(),
	}

	if strings.TrimSpace(approvalID) == "" {
		record.Error = "rejected: approval id is required"
		r.append(record)
		return record, fmt.Errorf("playbook %q: approval id is required", name)
	}

	p, ok := r.playbooks[name]
	if !ok {
		record.Error = fmt.Sprintf("rejected: unknown playbook %q", name)
		r.append(record)
		return record, fmt.Errorf("unknown playbook %q", name)
	}

	if strings.TrimSpace(resource) == "" {
		record.Error = "rejected: resource is required"
		r.append(record)
		return record, fmt.Errorf("playbook %q: resource is required", name)
	}

	for _, param := range p.Params {
		if strings.TrimSpace(params[param]) == "" {
			record.Error = fmt.Sprintf("rejected: missing required parameter %q", param)
			r.append(record)
			return record, fmt.Errorf("playbook %q: missing required parameter %q", name, param)
		}
	}

	r.logger.Info("Playbook execution started",
		"playbook", name, "resource", resource, "approval_id", approvalID, "dry_run", dryRun)

	var output []string
	for _, step := range p.ReadSteps {
		line, err := r.runStep(ctx, step, resource, params)
		output = append(output, line)
		if err != nil {
			record.Output = strings.Join(output, "\n")
			record.Error = fmt.Sprintf("read step %s: %v", step.Name, err)
			r.append(record)
			return record, fmt.Errorf("playbook %q read step %s: %w", name, step.Name, err)
		}
	}

	for _, step := range p.MutateSteps {
		if dryRun {
			cmd, args := renderStep(step, resource, params)
			output = append(output, fmt.Sprintf("[%s] would execute: %s %s", step.Name, cmd, strings.Join(args, " ")))
			continue
		}
		line, err := r.runStep(ctx, step, resource, params)
		output = append(output, line)
		if err != nil {
			record.Output = strings.Join(output, "\n")
			record.Error = fmt.Sprintf("mutate step %s: %v", step.Name, err)
			r.append(record)
			return record, fmt.Errorf("playbook %q mutate step %s: %w", name, step.Name, err)
		}
	}

	record.Success = true
	record.Output = strings.Join(output, "\n")
	r.append(record)

	r.logger.Info("Playbook execution completed",
		"playbook", name, "resource", resource, "dry_run", dryRun)
	return record, nil
}

func (r *Registry) runStep(ctx context.Context, step Step, resource string, params map[string]string) (string, error) {
	cmd, args := renderStep(step, resource, params)
	stdout, stderr, err := r.executor.Execute(ctx, cmd, args)
	if err != nil {
		detail := strings.TrimSpace(string(stderr))
		if detail == "" {
			detail = err.Error()
		}
		return fmt.Sprintf("[%s] failed: %s", step.Name, detail), fmt.Errorf("%s", detail)
	}
	return fmt.Sprintf("[%s] %s", step.Name, strings.TrimSpace(string(stdout))), nil
}

func renderStep(step Step, resource string, params map[string]string) (string, []string) {
	rendered := make([]string, len(step.Command))
	for i, arg := range step.Command {
		arg = strings.ReplaceAll(arg, "{resource}", resource)
		for key, value := range params {
			arg = strings.ReplaceAll(arg, "{"+key+"}", value)
		}
		rendered[i] = arg
	}
	return rendered[0], rendered[1:]
}

func (r *Registry) append(record *model.PlaybookExecution) {
	if err := r.audit.Append(record); err != nil {
		r.logger.Error("Failed to write playbook audit record",
			"playbook", record.Playbook, "error", err)
	}
}

// History returns every recorded execution, oldest first.
func (r *Registry) History() ([]model.PlaybookExecution, error) {
	raws, err := r.audit.ReadAll()
	if err != nil {
		return nil, err
	}
	records := make([]model.PlaybookExecution, 0, len(raws))
	for _, raw := range raws {
		var record model.PlaybookExecution
		if err := json.Unmarshal(raw, &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}
