package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/andrej220/remexec/pkg/models"
)

// Document is the on-disk shape of the host registry.
type Document struct {
	Hosts []HostSpec `yaml:"hosts" json:"hosts" bson:"hosts" validate:"dive"`
}

type HostSpec struct {
	Alias                 string          `yaml:"alias" json:"alias" bson:"alias" validate:"required,hostalias"`
	Host                  string          `yaml:"host" json:"host" bson:"host" validate:"required"`
	Port                  int             `yaml:"port" json:"port" bson:"port" validate:"omitempty,min=1,max=65535"`
	User                  string          `yaml:"user" json:"user" bson:"user" validate:"required"`
	Auth                  AuthSpec        `yaml:"auth" json:"auth" bson:"auth"`
	Cwd                   string          `yaml:"cwd" json:"cwd" bson:"cwd"`
	Shell                 string          `yaml:"shell" json:"shell" bson:"shell"`
	KnownHostsPath        string          `yaml:"knownHostsPath" json:"knownHostsPath" bson:"knownHostsPath"`
	StrictHostKeyChecking bool            `yaml:"strictHostKeyChecking" json:"strictHostKeyChecking" bson:"strictHostKeyChecking"`
	Connection            *ConnectionSpec `yaml:"connection" json:"connection" bson:"connection"`
}

// AuthSpec is the tagged form of models.Auth.
type AuthSpec struct {
	Type       string `yaml:"type" json:"type" bson:"type" validate:"required,oneof=key agent command"`
	KeyPath    string `yaml:"keyPath" json:"keyPath" bson:"keyPath" validate:"required_if=Type key,excluded_unless=Type key"`
	Passphrase bool   `yaml:"passphrase" json:"passphrase" bson:"passphrase"`
	Socket     string `yaml:"socket" json:"socket" bson:"socket" validate:"excluded_unless=Type agent"`
	Command    string `yaml:"command" json:"command" bson:"command" validate:"required_if=Type command,excluded_unless=Type command"`
}

type ConnectionSpec struct {
	KeepAlive string `yaml:"keepAlive" json:"keepAlive" bson:"keepAlive" validate:"omitempty,duration"`
	PoolSize  int    `yaml:"poolSize" json:"poolSize" bson:"poolSize" validate:"min=0"`
}

var validate = validator.New()

func init() {
	_ = validate.RegisterValidation("hostalias", validateAlias)
	_ = validate.RegisterValidation("duration", validateDuration)
}

func validateAlias(fl validator.FieldLevel) bool {
	alias := fl.Field().String()
	return alias != "" && !strings.ContainsAny(alias, " \t\n/")
}

func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d >= 0
}

// ParseYAML decodes and validates a hosts document.
func ParseYAML(data []byte) ([]models.Host, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse hosts document: %w", err)
	}
	return doc.Models()
}

// Models validates the document and converts it into models.Host values.
// Aliases must be unique.
func (d *Document) Models() ([]models.Host, error) {
	if err := validate.Struct(d); err != nil {
		return nil, fmt.Errorf("hosts document validation failed: %w", err)
	}
	seen := make(map[string]struct{}, len(d.Hosts))
	hosts := make([]models.Host, 0, len(d.Hosts))
	for _, spec := range d.Hosts {
		if _, dup := seen[spec.Alias]; dup {
			return nil, fmt.Errorf("duplicate host alias %q", spec.Alias)
		}
		seen[spec.Alias] = struct{}{}
		hosts = append(hosts, spec.toModel())
	}
	return hosts, nil
}

func (s HostSpec) toModel() models.Host {
	h := models.Host{
		Alias:          s.Alias,
		Address:        s.Host,
		Port:           s.Port,
		User:           s.User,
		WorkDir:        s.Cwd,
		Shell:          s.Shell,
		KnownHostsPath: s.KnownHostsPath,
		StrictHostKey:  s.StrictHostKeyChecking,
	}
	if h.Port == 0 {
		h.Port = models.DefaultPort
	}
	if s.Connection != nil {
		keepAlive, _ := time.ParseDuration(s.Connection.KeepAlive) // validated
		h.Tuning = models.Tuning{KeepAlive: keepAlive, PoolSize: s.Connection.PoolSize}
	}
	switch s.Auth.Type {
	case "key":
		h.Auth = models.KeyFileAuth{Path: s.Auth.KeyPath, Passphrase: s.Auth.Passphrase}
	case "agent":
		h.Auth = models.AgentAuth{Socket: s.Auth.Socket}
	case "command":
		h.Auth = models.CommandAuth{Command: s.Auth.Command}
	}
	return h
}
