package migrator

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mirajehossain/evolvex/internal/checksum"
	"github.com/mirajehossain/evolvex/internal/fsutil"
)

// Plan is an ordered batch of steps, usually decoded from one YAML file.
type Plan struct {
	Name        string
	Source      string
	Fingerprint string
	Steps       []Step
}

type planFile struct {
	Name  string     `yaml:"name"`
	Steps []StepSpec `yaml:"steps"`
}

// StepSpec is the YAML form of a step. Which fields apply depends on Kind.
// Tables expands one spec into a step per table, named "<name>[<table>]".
type StepSpec struct {
	Name       string   `yaml:"name"`
	Kind       Kind     `yaml:"kind"`
	Table      string   `yaml:"table"`
	Tables     []string `yaml:"tables"`
	Column     string   `yaml:"column"`
	Type       string   `yaml:"type"`
	Default    string   `yaml:"default"`
	After      string   `yaml:"after"`
	Definition string   `yaml:"definition"`
	Options    string   `yaml:"options"`
	Values     []string `yaml:"values"`
	Where      string   `yaml:"where"`
	Set        string   `yaml:"set"`
	Constraint string   `yaml:"constraint"`
	Nullable   *bool    `yaml:"nullable"`
	From       string   `yaml:"from"`
	To         string   `yaml:"to"`
	SQL        string   `yaml:"sql"`
	Unless     string   `yaml:"unless"`
}

type FileSource struct {
	FS       fs.FS // nil means local disk
	RootDir  string
	Embedded bool
}

// ParsePlan decodes a YAML plan. Unknown keys are rejected so a typo cannot
// silently drop part of a step.
func ParsePlan(b []byte, source string) (*Plan, error) {
	var pf planFile
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil && !errors.Is(err, io.EOF) {
		return nil, &PlanError{Source: source, Err: err}
	}
	name := pf.Name
	if name == "" {
		name = planNameFromPath(source)
	}
	p := &Plan{Name: name, Source: source, Fingerprint: checksum.Fingerprint(b)}
	for i, spec := range pf.Steps {
		steps, err := spec.Build()
		if err != nil {
			label := spec.Name
			if label == "" {
				label = fmt.Sprintf("#%d", i+1)
			}
			return nil, &PlanError{Source: source, Step: label, Err: err}
		}
		p.Steps = append(p.Steps, steps...)
	}
	if len(p.Steps) == 0 {
		return nil, &PlanError{Source: source, Err: errors.New("no steps")}
	}
	if err := ValidateSteps(p.Steps); err != nil {
		var pe *PlanError
		if errors.As(err, &pe) {
			pe.Source = source
		}
		return nil, err
	}
	return p, nil
}

func LoadPlanFile(path string) (*Plan, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePlan(b, path)
}

// DiscoverPlans loads every <version>_<name>.yaml plan under the source root
// in version order.
func DiscoverPlans(src FileSource) ([]*Plan, error) {
	var (
		paths []fsutil.PlanPath
		err   error
	)
	if src.Embedded && src.FS != nil {
		paths, err = fsutil.ScanEmbedded(src.FS, src.RootDir)
	} else {
		paths, err = fsutil.ScanDir(src.RootDir)
	}
	if err != nil {
		return nil, err
	}
	plans := make([]*Plan, 0, len(paths))
	for _, pp := range paths {
		var b []byte
		if src.Embedded && src.FS != nil {
			b, err = fs.ReadFile(src.FS, pp.Path)
		} else {
			b, err = os.ReadFile(pp.Path)
		}
		if err != nil {
			return nil, err
		}
		p, err := ParsePlan(b, pp.Path)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, nil
}

func planNameFromPath(p string) string {
	if p == "" {
		return ""
	}
	base := filepath.Base(p)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Build turns the spec into one step, or one per entry of Tables.
func (s StepSpec) Build() ([]Step, error) {
	if s.Table != "" && len(s.Tables) > 0 {
		return nil, errors.New("table and tables are mutually exclusive")
	}
	if len(s.Tables) == 0 {
		st, err := s.build(s.Table, s.Name)
		if err != nil {
			return nil, err
		}
		return []Step{st}, nil
	}
	out := make([]Step, 0, len(s.Tables))
	for _, t := range s.Tables {
		name := ""
		if s.Name != "" {
			name = fmt.Sprintf("%s[%s]", s.Name, t)
		}
		st, err := s.build(t, name)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s StepSpec) build(table, name string) (Step, error) {
	if name == "" {
		name = s.defaultName(table)
	}
	switch s.Kind {
	case KindAddColumn:
		return &AddColumn{StepName: name, Table: table, Column: s.Column, Type: s.Type, Default: s.Default, After: s.After}, nil
	case KindCreateTable:
		return &CreateTable{StepName: name, Table: table, Definition: s.Definition, Options: s.Options}, nil
	case KindWidenEnum:
		return &WidenEnum{StepName: name, Table: table, Column: s.Column, Values: s.Values, Default: s.Default}, nil
	case KindBackfill:
		return &Backfill{StepName: name, Table: table, Where: s.Where, Set: s.Set}, nil
	case KindDropForeignKey:
		return &DropForeignKey{StepName: name, Table: table, Constraint: s.Constraint}, nil
	case KindModifyColumn:
		return &ModifyColumn{StepName: name, Table: table, Column: s.Column, Type: s.Type, Nullable: s.Nullable, Default: s.Default}, nil
	case KindRenameColumn:
		return &RenameColumn{StepName: name, Table: table, From: s.From, To: s.To, Type: s.Type}, nil
	case KindDropColumn:
		return &DropColumn{StepName: name, Table: table, Column: s.Column}, nil
	case KindSQL:
		return &SQL{StepName: name, Statement: s.SQL, Unless: s.Unless}, nil
	case "":
		return nil, fmt.Errorf("%w: kind is required", ErrUnknownKind)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, s.Kind)
}

// defaultName gives unnamed steps a readable, usually unique, label such as
// "add_column students.gender".
func (s StepSpec) defaultName(table string) string {
	target := table
	switch s.Kind {
	case KindAddColumn, KindWidenEnum, KindModifyColumn, KindDropColumn:
		target += "." + s.Column
	case KindRenameColumn:
		target += "." + s.From + "->" + s.To
	case KindDropForeignKey:
		target += "." + s.Constraint
	case KindSQL:
		target = oneLine(s.SQL)
		if len(target) > 48 {
			target = target[:48] + "..."
		}
	}
	return string(s.Kind) + " " + target
}
