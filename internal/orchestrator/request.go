package orchestrator

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/andrej220/remexec/pkg/models"
)

// MaxTimeoutMs is the largest accepted timeoutMs (30 days).
const MaxTimeoutMs = 30 * 24 * 60 * 60 * 1000

// Request is the caller-facing shape of "run a command".
type Request struct {
	HostAlias string            `json:"hostAlias" validate:"required"`
	Command   string            `json:"command" validate:"required,nonblank"`
	TimeoutMs *int64            `json:"timeoutMs,omitempty" validate:"omitempty,min=1,max=2592000000"`
	Stream    bool              `json:"stream,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty" validate:"omitempty,dive,keys,envname,endkeys"`
}

var (
	validate = validator.New()
	envName  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

func init() {
	_ = validate.RegisterValidation("nonblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	_ = validate.RegisterValidation("envname", func(fl validator.FieldLevel) bool {
		return envName.MatchString(fl.Field().String())
	})
}

// Validate checks required fields and option shapes.
func (r Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("request validation failed: %w", err)
	}
	return nil
}

func (r Request) options() models.Options {
	opts := models.Options{
		Stream:  r.Stream,
		WorkDir: r.Cwd,
	}
	if r.TimeoutMs != nil {
		opts.Timeout = time.Duration(*r.TimeoutMs) * time.Millisecond
	}
	if len(r.Env) > 0 {
		opts.Env = make(map[string]string, len(r.Env))
		for k, v := range r.Env {
			opts.Env[k] = v
		}
	}
	return opts
}
