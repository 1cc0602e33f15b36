package infra

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/sgerhart/triageflux/internal/model"
)

// Template is one read-only probe definition. Command is an argv list
// with "{value}" placeholders for the entity value; templates carry no
// mutating steps by construction.
type Template struct {
	Name        string           `yaml:"name" json:"name"`
	EntityType  model.EntityType `yaml:"entity_type" json:"entity_type"`
	Capability  string           `yaml:"capability" json:"capability"`
	Description string           `yaml:"description" json:"description"`
	Command     []string         `yaml:"command" json:"command"`
	Disabled    bool             `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// Validate checks that the template is runnable.
func (t Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template name is required")
	}
	if t.EntityType == "" {
		return fmt.Errorf("template %q: entity_type is required", t.Name)
	}
	if len(t.Command) == 0 {
		return fmt.Errorf("template %q: command is required", t.Name)
	}
	return nil
}

// Render substitutes the entity value into the argv.
func (t Template) Render(entityValue string) (string, []string) {
	args := make([]string, 0, len(t.Command)-1)
	for _, arg := range t.Command[1:] {
		args = append(args, strings.ReplaceAll(arg, "{value}", entityValue))
	}
	return t.Command[0], args
}

// Snapshot is an immutable view of the loaded templates.
type Snapshot struct {
	Templates []Template
	Version   int64
}

// Catalog loads probe templates from a probes.d directory of YAML
// files, falling back to the builtin set when the directory is absent.
// Hot reload re-reads the directory on file change.
type Catalog struct {
	dir       string
	hotReload bool
	logger    *slog.Logger
	mu        sync.RWMutex
	snapshot  *Snapshot
	watcher   *fsnotify.Watcher
}

// NewCatalog creates a template catalog over the given directory.
func NewCatalog(dir string, hotReload bool, logger *slog.Logger) *Catalog {
	return &Catalog{dir: dir, hotReload: hotReload, logger: logger}
}

// LoadSnapshot reads every *.yaml file in the directory. Files that
// fail to parse are skipped with a warning, matching how rule
// directories behave elsewhere in the pipeline.
func (c *Catalog) LoadSnapshot() (*Snapshot, error) {
	templateMap := make(map[string]Template)

	dirEntries, err := os.ReadDir(c.dir)
	if os.IsNotExist(err) {
		c.logger.Info("Probe directory absent, using builtin templates", "dir", c.dir)
		for _, t := range builtinTemplates {
			templateMap[t.Name] = t
		}
	} else if err != nil {
		return nil, fmt.Errorf("read probe dir %q: %w", c.dir, err)
	} else {
		for _, entry := range dirEntries {
			name := entry.Name()
			if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
				continue
			}
			templates, err := c.loadFile(filepath.Join(c.dir, name))
			if err != nil {
				c.logger.Warn("Failed to load probe file", "file", name, "error", err)
				continue
			}
			for _, t := range templates {
				if t.Disabled {
					c.logger.Debug("Skipping disabled template", "template", t.Name)
					continue
				}
				if err := t.Validate(); err != nil {
					c.logger.Warn("Invalid template skipped", "file", name, "error", err)
					continue
				}
				templateMap[t.Name] = t
			}
		}
	}

	templates := make([]Template, 0, len(templateMap))
	for _, t := range templateMap {
		templates = append(templates, t)
	}
	sort.Slice(templates, func(i, j int) bool { return templates[i].Name < templates[j].Name })

	snapshot := &Snapshot{Templates: templates, Version: time.Now().UnixNano()}

	c.mu.Lock()
	c.snapshot = snapshot
	c.mu.Unlock()

	c.logger.Info("Probe templates loaded", "total", len(templates), "version", snapshot.Version)
	return snapshot, nil
}

func (c *Catalog) loadFile(path string) ([]Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc struct {
		Probes []Template `yaml:"probes"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %q: %w", path, err)
	}
	return doc.Probes, nil
}

// GetSnapshot returns the current snapshot, loading on first use.
func (c *Catalog) GetSnapshot() *Snapshot {
	c.mu.RLock()
	snapshot := c.snapshot
	c.mu.RUnlock()

	if snapshot == nil {
		loaded, err := c.LoadSnapshot()
		if err != nil {
			c.logger.Error("Failed to load probe templates", "error", err)
			return &Snapshot{}
		}
		return loaded
	}
	return snapshot
}

// ByEntityType returns the templates applicable to one entity type.
func (c *Catalog) ByEntityType(entityType model.EntityType) []Template {
	var result []Template
	for _, t := range c.GetSnapshot().Templates {
		if t.EntityType == entityType {
			result = append(result, t)
		}
	}
	return result
}

// Get returns a template by name.
func (c *Catalog) Get(name string) (Template, bool) {
	for _, t := range c.GetSnapshot().Templates {
		if t.Name == name {
			return t, true
		}
	}
	return Template{}, false
}

// WatchForChanges starts an fsnotify watcher that reloads the snapshot
// on any change in the probe directory. No-op unless hot reload is on.
func (c *Catalog) WatchForChanges() error {
	if !c.hotReload {
		return nil
	}
	if _, err := os.Stat(c.dir); os.IsNotExist(err) {
		c.logger.Info("Probe directory absent, hot reload disabled", "dir", c.dir)
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create probe watcher: %w", err)
	}
	if err := watcher.Add(c.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch probe dir %q: %w", c.dir, err)
	}
	c.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				c.logger.Info("Probe directory changed, reloading", "event", event.String())
				if _, err := c.LoadSnapshot(); err != nil {
					c.logger.Error("Probe reload failed", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("Probe watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (c *Catalog) Close() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

// builtinTemplates cover the common AWS entity types out of the box.
var builtinTemplates = []Template{
	{
		Name:        "ec2-describe-instance",
		EntityType:  model.EntityAWSInstance,
		Capability:  "aws:ec2:read",
		Description: "Instance state, type, placement and attached interfaces",
		Command:     []string{"aws", "ec2", "describe-instances", "--instance-ids", "{value}", "--output", "json"},
	},
	{
		Name:        "ec2-instance-status",
		EntityType:  model.EntityAWSInstance,
		Capability:  "aws:ec2:read",
		Description: "System and instance status checks",
		Command:     []string{"aws", "ec2", "describe-instance-status", "--instance-ids", "{value}", "--output", "json"},
	},
	{
		Name:        "ec2-describe-sg",
		EntityType:  model.EntityAWSSG,
		Capability:  "aws:ec2:read",
		Description: "Security group ingress and egress rules",
		Command:     []string{"aws", "ec2", "describe-security-groups", "--group-ids", "{value}", "--output", "json"},
	},
	{
		Name:        "ec2-describe-vpc",
		EntityType:  model.EntityAWSVPC,
		Capability:  "aws:ec2:read",
		Description: "VPC CIDR and state",
		Command:     []string{"aws", "ec2", "describe-vpcs", "--vpc-ids", "{value}", "--output", "json"},
	},
	{
		Name:        "ec2-describe-subnet",
		EntityType:  model.EntityAWSSubnet,
		Capability:  "aws:ec2:read",
		Description: "Subnet CIDR, AZ and available addresses",
		Command:     []string{"aws", "ec2", "describe-subnets", "--subnet-ids", "{value}", "--output", "json"},
	},
	{
		Name:        "ec2-describe-volume",
		EntityType:  model.EntityAWSVolume,
		Capability:  "aws:ec2:read",
		Description: "Volume state, size and attachments",
		Command:     []string{"aws", "ec2", "describe-volumes", "--volume-ids", "{value}", "--output", "json"},
	},
	{
		Name:        "s3-bucket-policy",
		EntityType:  model.EntityS3Bucket,
		Capability:  "aws:s3:read",
		Description: "Bucket policy status and public access block",
		Command:     []string{"aws", "s3api", "get-public-access-block", "--bucket", "{value}", "--output", "json"},
	},
	{
		Name:        "iam-list-access-key",
		EntityType:  model.EntityAWSAccessKey,
		Capability:  "aws:iam:read",
		Description: "Access key last-used information",
		Command:     []string{"aws", "iam", "get-access-key-last-used", "--access-key-id", "{value}", "--output", "json"},
	},
	{
		Name:        "dns-reverse-lookup",
		EntityType:  model.EntityIP,
		Capability:  "net:dns",
		Description: "Reverse DNS for the address",
		Command:     []string{"dig", "+short", "-x", "{value}"},
	},
}
