package rules

import (
	"errors"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/solatis/scankeeper/internal/types"
)

func writeFile(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	if err := afero.WriteFile(fs, path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%s) error = %v", path, err)
	}
}

func TestLoadRuleSets_Directory(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/rules/s3.yaml", bucketRuleSet)
	writeFile(t, fs, "/rules/nested/iam.yml", `
service: iam
checks:
  - rule_id: iam.root_mfa
    conditions: {var: item.mfa, op: equals, value: true}
---
service: kms
checks:
  - rule_id: kms.rotation
    conditions: {var: item.rotation, op: exists}
`)
	writeFile(t, fs, "/rules/README.md", "not a rule file")

	sets, err := LoadRuleSets(fs, "/rules")
	if err != nil {
		t.Fatalf("LoadRuleSets() error = %v, want nil", err)
	}
	if len(sets) != 3 {
		t.Fatalf("len(sets) = %d, want 3", len(sets))
	}
	// lexical file order: nested/iam.yml before s3.yaml
	want := []string{"iam", "kms", "s3"}
	for i, rs := range sets {
		if rs.Service != want[i] {
			t.Errorf("sets[%d].Service = %v, want %v", i, rs.Service, want[i])
		}
	}
}

func TestLoadRuleSets_PartialFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/rules/a.yaml", bucketRuleSet)
	writeFile(t, fs, "/rules/b.yaml", "service: broken\nchecks: [{logic: AND}]")
	writeFile(t, fs, "/rules/c.yaml", "service: [unclosed")

	sets, err := LoadRuleSets(fs, "/rules")
	if len(sets) != 1 || sets[0].Service != "s3" {
		t.Fatalf("sets = %v, want only the s3 rule set", sets)
	}
	errs := multierr.Errors(err)
	if len(errs) != 2 {
		t.Fatalf("len(errors) = %d, want 2: %v", len(errs), err)
	}
	if !strings.Contains(errs[0].Error(), "b.yaml") || !errors.Is(errs[0], types.ErrMissingID) {
		t.Errorf("errs[0] = %v, want b.yaml missing rule_id", errs[0])
	}
	if !strings.Contains(errs[1].Error(), "c.yaml") {
		t.Errorf("errs[1] = %v, want c.yaml parse failure", errs[1])
	}
}

func TestLoadRuleSet_SingleFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/one.yaml", bucketRuleSet)
	writeFile(t, fs, "/empty.yaml", "# nothing here\n")

	rs, err := LoadRuleSet(fs, "/one.yaml")
	if err != nil {
		t.Fatalf("LoadRuleSet() error = %v", err)
	}
	if rs.Service != "s3" {
		t.Errorf("Service = %v, want s3", rs.Service)
	}

	if _, err := LoadRuleSet(fs, "/empty.yaml"); !errors.Is(err, types.ErrEmptyDocument) {
		t.Errorf("LoadRuleSet(empty) error = %v, want ErrEmptyDocument", err)
	}
	if _, err := LoadRuleSet(fs, "/missing.yaml"); err == nil {
		t.Errorf("LoadRuleSet(missing) error = nil, want error")
	}

	sets, err := LoadRuleSets(fs, "/one.yaml")
	if err != nil || len(sets) != 1 {
		t.Errorf("LoadRuleSets(file) = %d sets, %v; want 1, nil", len(sets), err)
	}
}
