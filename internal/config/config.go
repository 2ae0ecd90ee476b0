package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"inspectline/internal/domain"
)

// Config models inspectline.yml.
type Config struct {
	Facility      Facility            `yaml:"facility" json:"facility"`
	Users         []User              `yaml:"users" json:"users" validate:"required,min=1,dive"`
	Locations     []Location          `yaml:"locations" json:"locations" validate:"dive"`
	Templates     map[string]Template `yaml:"templates" json:"templates" validate:"dive"`
	Penalties     Penalties           `yaml:"penalties" json:"penalties"`
	Notifications Notifications       `yaml:"notifications" json:"notifications"`
	Scheduler     Scheduler           `yaml:"scheduler" json:"scheduler"`
	Workflow      Workflow            `yaml:"workflow" json:"workflow"`
	Webhooks      []WebhookConfig     `yaml:"webhooks,omitempty" json:"webhooks,omitempty" validate:"dive"`
	Kafka         Kafka               `yaml:"kafka,omitempty" json:"kafka,omitempty"`
	Redis         Redis               `yaml:"redis,omitempty" json:"redis,omitempty"`
	Log           Log                 `yaml:"log,omitempty" json:"log,omitempty"`
}

type Facility struct {
	ID       string `yaml:"id" json:"id" validate:"required"`
	Name     string `yaml:"name" json:"name"`
	Currency string `yaml:"currency" json:"currency" validate:"omitempty,len=3"`
}

type User struct {
	ID     string      `yaml:"id" json:"id" validate:"required"`
	Name   string      `yaml:"name" json:"name" validate:"required"`
	Role   domain.Role `yaml:"role" json:"role" validate:"required,oneof=inspector supervisor contractor admin"`
	Active *bool       `yaml:"active,omitempty" json:"active,omitempty"`
}

func (u User) IsActive() bool {
	return u.Active == nil || *u.Active
}

type Location struct {
	ID       string `yaml:"id" json:"id" validate:"required"`
	Name     string `yaml:"name" json:"name" validate:"required"`
	Zone     string `yaml:"zone" json:"zone"`
	Template string `yaml:"template" json:"template" validate:"required"`
}

type Template struct {
	Items []domain.ChecklistItem `yaml:"items" json:"items"`
}

type Penalties struct {
	Rates      map[string]decimal.Decimal `yaml:"rates" json:"rates"`
	Categories []string                   `yaml:"categories,omitempty" json:"categories,omitempty"`
}

type Notifications struct {
	SupervisorID string `yaml:"supervisor_id" json:"supervisor_id" validate:"required"`
	ContractorID string `yaml:"contractor_id" json:"contractor_id" validate:"required"`
}

type Scheduler struct {
	StalenessDays     int     `yaml:"staleness_days" json:"staleness_days" validate:"gte=0"`
	LowScoreThreshold float64 `yaml:"low_score_threshold" json:"low_score_threshold" validate:"gte=0,lte=100"`
	DueInDays         int     `yaml:"due_in_days" json:"due_in_days" validate:"gte=0"`
}

type Workflow struct {
	CommitTimeoutSeconds int `yaml:"commit_timeout_seconds" json:"commit_timeout_seconds" validate:"gte=0"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url" validate:"required,url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

type Kafka struct {
	Brokers  []string `yaml:"brokers,omitempty" json:"brokers,omitempty"`
	Topic    string   `yaml:"topic,omitempty" json:"topic,omitempty"`
	ClientID string   `yaml:"client_id,omitempty" json:"client_id,omitempty"`
}

type Redis struct {
	Addr     string `yaml:"addr,omitempty" json:"addr,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db,omitempty" json:"db,omitempty"`
}

type Log struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format,omitempty" json:"format,omitempty" validate:"omitempty,oneof=json text"`
}

var validate = validator.New()

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with il init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	users := map[string]domain.Role{}
	for _, u := range c.Users {
		if _, dup := users[u.ID]; dup {
			return fmt.Errorf("config.users has duplicate id %s", u.ID)
		}
		users[u.ID] = u.Role
	}
	for name, tpl := range c.Templates {
		seen := map[string]bool{}
		for _, it := range tpl.Items {
			if it.ID == "" {
				return fmt.Errorf("template %s has item without id", name)
			}
			if seen[it.ID] {
				return fmt.Errorf("template %s has duplicate item %s", name, it.ID)
			}
			seen[it.ID] = true
			if it.MaxScore <= 0 {
				return fmt.Errorf("template %s item %s needs a positive max_score", name, it.ID)
			}
		}
	}
	seenLoc := map[string]bool{}
	for _, loc := range c.Locations {
		if seenLoc[loc.ID] {
			return fmt.Errorf("config.locations has duplicate id %s", loc.ID)
		}
		seenLoc[loc.ID] = true
		if _, ok := c.Templates[loc.Template]; !ok {
			return fmt.Errorf("location %s references unknown template %s", loc.ID, loc.Template)
		}
	}
	for label, rate := range c.Penalties.Rates {
		if strings.TrimSpace(label) == "" {
			return fmt.Errorf("config.penalties.rates has empty label")
		}
		if rate.IsNegative() {
			return fmt.Errorf("penalty rate for %s must not be negative", label)
		}
	}
	for _, cat := range c.Penalties.Categories {
		switch cat {
		case "service", "manpower", "material", "equipment":
		default:
			return fmt.Errorf("config.penalties.categories has unknown category %s", cat)
		}
	}
	if role, ok := users[c.Notifications.SupervisorID]; !ok || role != domain.RoleSupervisor {
		return fmt.Errorf("config.notifications.supervisor_id %s must name a supervisor", c.Notifications.SupervisorID)
	}
	if role, ok := users[c.Notifications.ContractorID]; !ok || role != domain.RoleContractor {
		return fmt.Errorf("config.notifications.contractor_id %s must name a contractor", c.Notifications.ContractorID)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "inspectline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(facilityID string) string {
	return fmt.Sprintf(defaultTemplate, facilityID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a facility.
func Default(facilityID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(facilityID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ResolveChecklistTemplate returns the template configured for a location.
func (c *Config) ResolveChecklistTemplate(locationID string) (domain.ChecklistTemplate, error) {
	loc, ok := c.Location(locationID)
	if !ok {
		return domain.ChecklistTemplate{}, fmt.Errorf("unknown location %s", locationID)
	}
	tpl, ok := c.Templates[loc.Template]
	if !ok {
		return domain.ChecklistTemplate{}, fmt.Errorf("location %s references unknown template %s", locationID, loc.Template)
	}
	return domain.ChecklistTemplate{ID: loc.Template, Items: append([]domain.ChecklistItem(nil), tpl.Items...)}, nil
}

// ActiveInspectors returns inspector ids in config order.
func (c *Config) ActiveInspectors() []string {
	var out []string
	for _, u := range c.Users {
		if u.Role == domain.RoleInspector && u.IsActive() {
			out = append(out, u.ID)
		}
	}
	return out
}

func (c *Config) Location(id string) (Location, bool) {
	for _, l := range c.Locations {
		if l.ID == id {
			return l, true
		}
	}
	return Location{}, false
}

func (c *Config) DomainLocations() []domain.Location {
	out := make([]domain.Location, 0, len(c.Locations))
	for _, l := range c.Locations {
		out = append(out, domain.Location{ID: l.ID, Name: l.Name, Zone: l.Zone, TemplateID: l.Template})
	}
	return out
}

func (c *Config) Currency() string {
	if c.Facility.Currency == "" {
		return "SAR"
	}
	return c.Facility.Currency
}

func (c *Config) CommitTimeout() time.Duration {
	if c.Workflow.CommitTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Workflow.CommitTimeoutSeconds) * time.Second
}

const defaultTemplate = `facility:
  id: %s
  name: "General Hospital"
  currency: SAR

users:
  - {id: insp-1, name: "Inspector One", role: inspector}
  - {id: insp-2, name: "Inspector Two", role: inspector}
  - {id: sup-1, name: "Supervisor", role: supervisor}
  - {id: contractor-1, name: "Facility Contractor", role: contractor}
  - {id: admin, name: "Administrator", role: admin}

templates:
  ward:
    items:
      - {id: floor, label: "Floor clean and dry", max_score: 10}
      - {id: bins, label: "Waste bins emptied", max_score: 10}
      - {id: surfaces, label: "Surfaces disinfected", max_score: 10}
      - {id: linen, label: "Linen changed", max_score: 10}
  washroom:
    items:
      - {id: floor, label: "Floor clean and dry", max_score: 10}
      - {id: fixtures, label: "Fixtures sanitized", max_score: 10}
      - {id: supplies, label: "Soap and paper stocked", max_score: 10}

locations:
  - {id: er, name: "Emergency Room", zone: north, template: ward}
  - {id: icu, name: "Intensive Care Unit", zone: north, template: ward}
  - {id: ward-a, name: "Ward A", zone: south, template: ward}
  - {id: wc-lobby, name: "Lobby Washroom", zone: south, template: washroom}

penalties:
  categories: [service, manpower, material, equipment]
  rates:
    "Missing PPE": "500"
    "Absent staff": "300"
    "Late arrival": "150"
    "Insufficient supplies": "200"
    "Expired chemicals": "250"
    "Broken equipment": "400"
    "Other": "100"

notifications:
  supervisor_id: sup-1
  contractor_id: contractor-1

scheduler:
  staleness_days: 30
  low_score_threshold: 75
  due_in_days: 1

workflow:
  commit_timeout_seconds: 5

log:
  level: info
  format: json
`
