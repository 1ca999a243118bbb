package alerting

import (
	"bytes"
	"errors"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"mdmd.sh/internal/merrors"
	"mdmd.sh/internal/models"
)

// Severities used in webhook payloads and rule overlays.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// Rule tunes how one condition is reported and remediated.
type Rule struct {
	Condition           models.AlertCondition `yaml:"condition"`
	Severity            string                `yaml:"severity"`
	RequiresRemediation bool                  `yaml:"requires_remediation"`
	RemediationAction   string                `yaml:"remediation_action"`
	WebhookURL          string                `yaml:"webhook_url"`
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// Rules holds the effective per-condition configuration: defaults
// overlaid by an optional YAML file.
type Rules struct {
	byCondition map[models.AlertCondition]Rule
}

// DefaultRules returns the built-in per-condition settings.
func DefaultRules() *Rules {
	return &Rules{byCondition: map[models.AlertCondition]Rule{
		models.ConditionOffline:    {Condition: models.ConditionOffline, Severity: SeverityCritical},
		models.ConditionLowBattery: {Condition: models.ConditionLowBattery, Severity: SeverityWarning},
		models.ConditionUnityDown: {
			Condition:         models.ConditionUnityDown,
			Severity:          SeverityCritical,
			RemediationAction: "launch_app",
		},
	}}
}

// LoadRules reads the overlay file if path is set. Unknown YAML keys and
// unknown conditions are load-time errors so typos fail at boot.
func LoadRules(path string) (*Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, merrors.Wrap(err, merrors.ErrCodeInvalidInput, "reading alert rules file")
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var file rulesFile
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, merrors.Wrap(err, merrors.ErrCodeInvalidInput, "parsing alert rules file")
	}

	for _, overlay := range file.Rules {
		base, ok := rules.byCondition[overlay.Condition]
		if !ok {
			return nil, merrors.Newf(merrors.ErrCodeInvalidInput,
				"alert rules file names unknown condition %q", overlay.Condition)
		}
		if overlay.Severity != "" {
			if overlay.Severity != SeverityCritical && overlay.Severity != SeverityWarning {
				return nil, merrors.Newf(merrors.ErrCodeInvalidInput,
					"alert rules file has unknown severity %q", overlay.Severity)
			}
			base.Severity = overlay.Severity
		}
		if overlay.RemediationAction != "" {
			base.RemediationAction = overlay.RemediationAction
		}
		if overlay.WebhookURL != "" {
			base.WebhookURL = overlay.WebhookURL
		}
		base.RequiresRemediation = overlay.RequiresRemediation
		rules.byCondition[overlay.Condition] = base
	}
	return rules, nil
}

// For returns the effective rule for a condition.
func (r *Rules) For(condition models.AlertCondition) Rule {
	return r.byCondition[condition]
}
