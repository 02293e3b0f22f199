package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks struct constraints, durations, the maintenance schedule
// and timezone. It returns every problem found, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q", fieldPath(fe.Namespace()), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	r, err := cfg.Resolve()
	if err != nil {
		errs = append(errs, err)
	} else {
		if r.Bus.Mode == "ws" && r.Bus.URL == "" {
			errs = append(errs, errors.New("bus.url: required when bus.mode is ws"))
		}
		if _, err := ParseSchedule(r.Maintenance.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("maintenance.schedule: %w", err))
		}
		if r.Maintenance.Timezone != "" {
			if _, err := time.LoadLocation(r.Maintenance.Timezone); err != nil {
				errs = append(errs, fmt.Errorf("maintenance.timezone: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}

// ParseSchedule parses a standard 5-field cron spec or a descriptor.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return cron.ParseStandard(strings.TrimSpace(spec))
}

// fieldPath turns "Config.storage.path" into "storage.path".
func fieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = strings.ToLower(p)
	}
	return strings.Join(parts, ".")
}
