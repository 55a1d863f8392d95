package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	if _, err := c.Params(); err != nil {
		return err
	}

	switch {
	case c.Simulator != nil && c.Analytic != "":
		return errors.New("config: simulator and analytic are mutually exclusive")
	case c.Simulator == nil && c.Analytic == "":
		return errors.New("config: either simulator or analytic is required")
	}

	if c.Simulator != nil {
		if _, err := c.Simulator.TimeoutDuration(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if len(c.Inputs) == 0 {
			return errors.New("config: a simulator needs at least one input template")
		}
		if len(c.Objectives) == 0 {
			return errors.New("config: a simulator needs at least one objective")
		}
	}

	seen := make(map[string]bool, len(c.Objectives))
	for _, o := range c.Objectives {
		if seen[o.Name] {
			return fmt.Errorf("config: duplicate objective name %q", o.Name)
		}
		seen[o.Name] = true
	}
	if c.Aggregate.Kind == "expression" && c.Aggregate.Expression == "" {
		return errors.New("config: aggregate kind expression needs an expression")
	}
	if c.Aggregate.Kind == "weighted" {
		for _, o := range c.Objectives {
			if o.Weight == 0 {
				return fmt.Errorf("config: objective %q needs a weight for the weighted aggregate", o.Name)
			}
		}
	}
	return nil
}

// formatValidationError turns validator errors into one readable message.
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("config: invalid %s", strings.Join(msgs, "; "))
}
