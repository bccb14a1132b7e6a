package backend

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/seantiz/anvil/internal/model"
)

// Monitoring defaults applied when a descriptor omits the tunables.
const (
	DefaultMonitorFrequency   = 5 * time.Second
	DefaultMaxMonitorFailures = 5
)

// Config is the file-shaped definition of one backend as it appears in the
// backends file. NewDescriptor validates a Config into a Descriptor.
type Config struct {
	Name               string            `mapstructure:"name" json:"name"`
	Kind               string            `mapstructure:"kind" json:"kind"`
	Submit             string            `mapstructure:"submit" json:"submit,omitempty"`
	Monitor            string            `mapstructure:"monitor" json:"monitor,omitempty"`
	Kill               string            `mapstructure:"kill" json:"kill,omitempty"`
	JobIDRegex         string            `mapstructure:"job_id_regex" json:"job_id_regex,omitempty"`
	MonitorFrequency   int               `mapstructure:"monitor_frequency" json:"monitor_frequency,omitempty"`
	MaxMonitorFailures int               `mapstructure:"max_monitor_failures" json:"max_monitor_failures,omitempty"`
	MaxQueryRate       float64           `mapstructure:"max_query_rate" json:"max_query_rate,omitempty"`
	DefaultCPU         *int              `mapstructure:"default-cpu" json:"default_cpu,omitempty"`
	DefaultRAM         *int              `mapstructure:"default-ram" json:"default_ram,omitempty"`
	RuntimeAttrs       map[string]string `mapstructure:"runtime_attrs" json:"runtime_attrs,omitempty"`
}

// Descriptor is a validated backend definition. Descriptors are immutable
// after construction and safe for concurrent use.
type Descriptor struct {
	name               string
	kind               string
	submit             *Template
	monitor            *Template
	kill               *Template
	jobIDRegex         *regexp.Regexp
	monitorFrequency   time.Duration
	maxMonitorFailures int
	maxQueryRate       float64
	defaultCPU         string
	defaultRAM         string
	runtimeAttrs       map[string]string
}

// Info summarizes a registered backend for API responses.
type Info struct {
	Name                    string  `json:"name"`
	Kind                    string  `json:"kind"`
	MonitorFrequencySeconds int     `json:"monitor_frequency_s,omitempty"`
	MaxMonitorFailures      int     `json:"max_monitor_failures,omitempty"`
	MaxQueryRate            float64 `json:"max_query_rate,omitempty"`
}

// NewDescriptor validates a Config and compiles its templates and job id
// pattern. Every rejection here is a configuration error the operator must
// fix; nothing invalid reaches the engine.
func NewDescriptor(cfg Config) (*Descriptor, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("backend name is required")
	}
	if cfg.MonitorFrequency < 0 {
		return nil, fmt.Errorf("backend %q: monitor_frequency must be positive, got %d", cfg.Name, cfg.MonitorFrequency)
	}
	if cfg.MaxMonitorFailures < 0 {
		return nil, fmt.Errorf("backend %q: max_monitor_failures must be positive, got %d", cfg.Name, cfg.MaxMonitorFailures)
	}
	if cfg.MaxQueryRate < 0 {
		return nil, fmt.Errorf("backend %q: max_query_rate must not be negative, got %v", cfg.Name, cfg.MaxQueryRate)
	}
	if cfg.DefaultCPU != nil && *cfg.DefaultCPU <= 0 {
		return nil, fmt.Errorf("backend %q: default-cpu must be positive, got %d", cfg.Name, *cfg.DefaultCPU)
	}
	if cfg.DefaultRAM != nil && *cfg.DefaultRAM <= 0 {
		return nil, fmt.Errorf("backend %q: default-ram must be positive, got %d", cfg.Name, *cfg.DefaultRAM)
	}

	d := &Descriptor{
		name:               cfg.Name,
		kind:               cfg.Kind,
		monitorFrequency:   time.Duration(cfg.MonitorFrequency) * time.Second,
		maxMonitorFailures: cfg.MaxMonitorFailures,
		maxQueryRate:       cfg.MaxQueryRate,
		runtimeAttrs:       cfg.RuntimeAttrs,
	}
	if d.monitorFrequency == 0 {
		d.monitorFrequency = DefaultMonitorFrequency
	}
	if d.maxMonitorFailures == 0 {
		d.maxMonitorFailures = DefaultMaxMonitorFailures
	}
	if cfg.DefaultCPU != nil {
		d.defaultCPU = strconv.Itoa(*cfg.DefaultCPU)
	}
	if cfg.DefaultRAM != nil {
		d.defaultRAM = strconv.Itoa(*cfg.DefaultRAM)
	}

	switch cfg.Kind {
	case model.KindGeneric:
		if err := d.compileGeneric(cfg); err != nil {
			return nil, err
		}
	case model.KindLocal:
		for field, value := range map[string]string{
			"submit": cfg.Submit, "monitor": cfg.Monitor, "kill": cfg.Kill, "job_id_regex": cfg.JobIDRegex,
		} {
			if value != "" {
				return nil, fmt.Errorf("backend %q: kind %q does not take %s", cfg.Name, cfg.Kind, field)
			}
		}
	default:
		return nil, fmt.Errorf("backend %q: unknown kind %q", cfg.Name, cfg.Kind)
	}
	return d, nil
}

func (d *Descriptor) compileGeneric(cfg Config) error {
	if cfg.Submit == "" || cfg.Monitor == "" || cfg.Kill == "" {
		return fmt.Errorf("backend %q: kind %q requires submit, monitor and kill templates", cfg.Name, cfg.Kind)
	}
	if cfg.JobIDRegex == "" {
		return fmt.Errorf("backend %q: job_id_regex is required", cfg.Name)
	}

	var err error
	if d.submit, err = ParseTemplate(cfg.Submit); err != nil {
		return fmt.Errorf("backend %q: submit template: %w", cfg.Name, err)
	}
	if d.monitor, err = ParseTemplate(cfg.Monitor); err != nil {
		return fmt.Errorf("backend %q: monitor template: %w", cfg.Name, err)
	}
	if d.kill, err = ParseTemplate(cfg.Kill); err != nil {
		return fmt.Errorf("backend %q: kill template: %w", cfg.Name, err)
	}

	if d.jobIDRegex, err = regexp.Compile(cfg.JobIDRegex); err != nil {
		return fmt.Errorf("backend %q: job_id_regex: %w", cfg.Name, err)
	}
	if n := d.jobIDRegex.NumSubexp(); n != 1 {
		return fmt.Errorf("backend %q: job_id_regex must have exactly one capture group, got %d", cfg.Name, n)
	}

	// Placeholder names are checked against the known set here so a typo
	// fails at load, not on the first render.
	known := map[string]bool{"script": true, "cwd": true, "cpu": true, "memory_mb": true}
	for k := range d.runtimeAttrs {
		known[k] = true
	}
	for _, key := range d.submit.Keys() {
		if !known[key] {
			return fmt.Errorf("backend %q: submit template: unknown placeholder ~{%s}", cfg.Name, key)
		}
	}
	known["job_id"] = true
	for tname, t := range map[string]*Template{"monitor": d.monitor, "kill": d.kill} {
		for _, key := range t.Keys() {
			if !known[key] {
				return fmt.Errorf("backend %q: %s template: unknown placeholder ~{%s}", cfg.Name, tname, key)
			}
		}
	}
	return nil
}

// Name returns the registry key of the backend.
func (d *Descriptor) Name() string { return d.name }

// Kind returns the backend kind tag.
func (d *Descriptor) Kind() string { return d.kind }

// MonitorFrequency returns the minimum spacing between monitor ticks.
func (d *Descriptor) MonitorFrequency() time.Duration { return d.monitorFrequency }

// MaxMonitorFailures returns the consecutive transient failure ceiling.
func (d *Descriptor) MaxMonitorFailures() int { return d.maxMonitorFailures }

// MaxQueryRate returns the scheduler query rate cap in calls per second,
// or 0 when unlimited.
func (d *Descriptor) MaxQueryRate() float64 { return d.maxQueryRate }

// Info returns the API summary of the descriptor.
func (d *Descriptor) Info() Info {
	return Info{
		Name:                    d.name,
		Kind:                    d.kind,
		MonitorFrequencySeconds: int(d.monitorFrequency / time.Second),
		MaxMonitorFailures:      d.maxMonitorFailures,
		MaxQueryRate:            d.maxQueryRate,
	}
}

// vars builds the substitution map for a task. Runtime attrs come first,
// then the task fields, then descriptor defaults for anything the task
// left unset, so task values win.
func (d *Descriptor) vars(task *model.Task) map[string]string {
	vars := make(map[string]string, len(d.runtimeAttrs)+4)
	for k, v := range d.runtimeAttrs {
		vars[k] = v
	}
	vars["script"] = task.Script
	if task.WorkDir != "" {
		vars["cwd"] = task.WorkDir
	}
	if task.CPU != nil {
		vars["cpu"] = strconv.Itoa(*task.CPU)
	} else if d.defaultCPU != "" {
		vars["cpu"] = d.defaultCPU
	}
	if task.MemoryMB != nil {
		vars["memory_mb"] = strconv.Itoa(*task.MemoryMB)
	} else if d.defaultRAM != "" {
		vars["memory_mb"] = d.defaultRAM
	}
	return vars
}

// SubmitCommand renders the submit template for a task.
func (d *Descriptor) SubmitCommand(task *model.Task) (string, error) {
	if d.submit == nil {
		return "", fmt.Errorf("backend %q has no submit template", d.name)
	}
	return d.submit.Render(d.vars(task))
}

// MonitorCommand renders the monitor template for a task's external job id.
func (d *Descriptor) MonitorCommand(task *model.Task, externalID string) (string, error) {
	if d.monitor == nil {
		return "", fmt.Errorf("backend %q has no monitor template", d.name)
	}
	vars := d.vars(task)
	vars["job_id"] = externalID
	return d.monitor.Render(vars)
}

// KillCommand renders the kill template for a task's external job id.
func (d *Descriptor) KillCommand(task *model.Task, externalID string) (string, error) {
	if d.kill == nil {
		return "", fmt.Errorf("backend %q has no kill template", d.name)
	}
	vars := d.vars(task)
	vars["job_id"] = externalID
	return d.kill.Render(vars)
}

// ExtractJobID applies the job id pattern to submit output. The pattern must
// match exactly once; its single capture group is the external job id.
// Anything else is reported, never guessed at.
func (d *Descriptor) ExtractJobID(stdout string) (string, error) {
	matches := d.jobIDRegex.FindAllStringSubmatch(stdout, -1)
	if len(matches) != 1 {
		return "", &NoJobIDError{Pattern: d.jobIDRegex.String(), Matches: len(matches)}
	}
	return matches[0][1], nil
}
