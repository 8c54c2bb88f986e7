package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MyCarrier-DevOps/terraform-updater/internal/domain"
)

// Rules file errors.
var (
	// ErrRulesNotFound indicates the rules file does not exist.
	ErrRulesNotFound = errors.New("rules file not found")

	// ErrRulesInvalid indicates the rules file is malformed or fails validation.
	ErrRulesInvalid = errors.New("invalid rules file")
)

// Change type keys of a file entry.
const (
	changeVariables = "variables"
	changeResources = "resources"
	changeModules   = "modules"
)

var changeTypes = []string{changeVariables, changeResources, changeModules}

// Rules is a validated rules file.
type Rules struct {
	Plan domain.Plan

	// ExpressionPrefixes and ExpressionOperators tune expression detection
	// when rendering strings. Empty selects the formatter defaults.
	ExpressionPrefixes  []string
	ExpressionOperators []string
}

// LoadRules reads and validates the rules file at path. Environment-derived
// settings in base are kept; the file's settings block fills in the rest.
func LoadRules(path string, base domain.Settings) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRulesNotFound, path)
		}
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRules(data, base)
}

// ParseRules validates rules file content. Repositories, files, blocks, and
// parameters keep the order in which they appear in the document.
func ParseRules(data []byte, base domain.Settings) (*Rules, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRulesInvalid, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, invalid(nil, "configuration must be a mapping")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, invalid(root, "configuration must be a mapping")
	}

	rules := &Rules{Plan: domain.Plan{Settings: withDefaults(base)}}

	if settings := lookup(root, "settings"); settings != nil && !isNull(settings) {
		if err := parseSettings(settings, rules); err != nil {
			return nil, err
		}
	}

	repos := lookup(root, "repositories")
	if repos == nil {
		return nil, invalid(root, "missing required field: repositories")
	}
	if repos.Kind != yaml.SequenceNode || len(repos.Content) == 0 {
		return nil, invalid(repos, "'repositories' must be a non-empty list")
	}

	for i, node := range repos.Content {
		plan, err := parseRepository(fmt.Sprintf("repository %d", i+1), node)
		if err != nil {
			return nil, err
		}
		rules.Plan.Repositories = append(rules.Plan.Repositories, plan)
	}
	return rules, nil
}

func withDefaults(s domain.Settings) domain.Settings {
	if s.BaseBranch == "" {
		s.BaseBranch = domain.DefaultBaseBranch
	}
	if s.BranchPrefix == "" {
		s.BranchPrefix = domain.DefaultBranchPrefix
	}
	s.CreatePR = true
	s.PRTitleTemplate = domain.DefaultPRTitleTemplate
	s.CommitMessageTemplate = domain.DefaultCommitMessageTemplate
	s.Labels = append([]string(nil), domain.DefaultLabels...)
	s.Concurrency = domain.DefaultConcurrency
	return s
}

type rawSettings struct {
	PRTitleTemplate       string   `yaml:"pr_title_template"`
	CommitMessageTemplate string   `yaml:"commit_message_template"`
	Labels                []string `yaml:"labels"`
	Concurrency           int      `yaml:"concurrency"`
	ExpressionPrefixes    []string `yaml:"expression_prefixes"`
	ExpressionOperators   []string `yaml:"expression_operators"`
}

func parseSettings(node *yaml.Node, rules *Rules) error {
	if node.Kind != yaml.MappingNode {
		return invalid(node, "'settings' must be a mapping")
	}
	settings := &rules.Plan.Settings

	if createPR := lookup(node, "create_pr"); createPR != nil {
		if createPR.Kind != yaml.ScalarNode || createPR.ShortTag() != "!!bool" {
			return invalid(createPR, "setting 'create_pr' must be a boolean")
		}
		if err := createPR.Decode(&settings.CreatePR); err != nil {
			return invalid(createPR, "setting 'create_pr' must be a boolean")
		}
	}

	var raw rawSettings
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("%w: settings: %w", ErrRulesInvalid, err)
	}
	if raw.PRTitleTemplate != "" {
		settings.PRTitleTemplate = raw.PRTitleTemplate
	}
	if raw.CommitMessageTemplate != "" {
		settings.CommitMessageTemplate = raw.CommitMessageTemplate
	}
	if labels := lookup(node, "labels"); labels != nil {
		settings.Labels = raw.Labels
	}
	if c := lookup(node, "concurrency"); c != nil {
		if raw.Concurrency < 1 {
			return invalid(c, "setting 'concurrency' must be at least 1")
		}
		settings.Concurrency = raw.Concurrency
	}
	rules.ExpressionPrefixes = raw.ExpressionPrefixes
	rules.ExpressionOperators = raw.ExpressionOperators
	return nil
}

func parseRepository(where string, node *yaml.Node) (domain.RepositoryPlan, error) {
	if node.Kind != yaml.MappingNode {
		return domain.RepositoryPlan{}, invalid(node, "%s: repository must be a mapping", where)
	}
	owner, err := requiredString(where, node, "owner")
	if err != nil {
		return domain.RepositoryPlan{}, err
	}
	name, err := requiredString(where, node, "repo")
	if err != nil {
		return domain.RepositoryPlan{}, err
	}

	files := lookup(node, "files")
	if files == nil {
		return domain.RepositoryPlan{}, invalid(node, "%s: missing required field 'files'", where)
	}
	if files.Kind != yaml.SequenceNode || len(files.Content) == 0 {
		return domain.RepositoryPlan{}, invalid(files, "%s: 'files' must be a non-empty list", where)
	}

	plan := domain.RepositoryPlan{Repository: domain.RepositoryRef{Owner: owner, Name: name}}
	for j, f := range files.Content {
		file, err := parseFile(fmt.Sprintf("%s, file %d", where, j+1), f)
		if err != nil {
			return domain.RepositoryPlan{}, err
		}
		plan.Files = append(plan.Files, file)
	}
	return plan, nil
}

func parseFile(where string, node *yaml.Node) (domain.FilePlan, error) {
	if node.Kind != yaml.MappingNode {
		return domain.FilePlan{}, invalid(node, "%s: file configuration must be a mapping", where)
	}
	path, err := requiredString(where, node, "path")
	if err != nil {
		return domain.FilePlan{}, err
	}

	changes := lookup(node, "changes")
	if changes == nil {
		return domain.FilePlan{}, invalid(node, "%s: missing required field 'changes'", where)
	}
	if changes.Kind != yaml.MappingNode || len(changes.Content) == 0 {
		return domain.FilePlan{}, invalid(changes, "%s: 'changes' must be a non-empty mapping", where)
	}

	plan := domain.FilePlan{Path: path}
	for k := 0; k+1 < len(changes.Content); k += 2 {
		key, value := changes.Content[k], changes.Content[k+1]
		edits, err := parseChangeType(where, key, value)
		if err != nil {
			return domain.FilePlan{}, err
		}
		plan.Edits = append(plan.Edits, edits...)
	}
	return plan, nil
}

// parseChangeType reads a list of single-entry mappings, block name to
// parameters. A plain mapping of block names is accepted as well.
func parseChangeType(where string, key, value *yaml.Node) ([]domain.ParameterEdit, error) {
	changeType := key.Value
	if !isChangeType(changeType) {
		return nil, invalid(key, "%s: invalid change type '%s', must be one of: %s",
			where, changeType, strings.Join(changeTypes, ", "))
	}
	where = where + ", " + changeType

	var entries []*yaml.Node
	switch value.Kind {
	case yaml.SequenceNode:
		for _, item := range value.Content {
			if item.Kind != yaml.MappingNode {
				return nil, invalid(item, "%s: each entry must be a mapping of block name to parameters", where)
			}
			entries = append(entries, item.Content...)
		}
	case yaml.MappingNode:
		entries = value.Content
	default:
		return nil, invalid(value, "%s: must be a list", where)
	}

	var edits []domain.ParameterEdit
	for e := 0; e+1 < len(entries); e += 2 {
		nameNode, params := entries[e], entries[e+1]
		selector, err := blockSelector(where, changeType, nameNode)
		if err != nil {
			return nil, err
		}
		blockCtx := where + " " + nameNode.Value
		if params.Kind != yaml.MappingNode || len(params.Content) == 0 {
			return nil, invalid(params, "%s: parameters must be a non-empty mapping", blockCtx)
		}
		for p := 0; p+1 < len(params.Content); p += 2 {
			edit, err := parseParameter(blockCtx, selector, params.Content[p], params.Content[p+1])
			if err != nil {
				return nil, err
			}
			edits = append(edits, edit)
		}
	}
	return edits, nil
}

func blockSelector(where, changeType string, name *yaml.Node) (domain.BlockSelector, error) {
	label := strings.TrimSpace(name.Value)
	if name.Kind != yaml.ScalarNode || label == "" {
		return domain.BlockSelector{}, invalid(name, "%s: block name must be a non-empty string", where)
	}
	switch changeType {
	case changeVariables:
		return domain.BlockSelector{Type: domain.BlockVariable, Labels: []string{label}}, nil
	case changeModules:
		return domain.BlockSelector{Type: domain.BlockModule, Labels: []string{label}}, nil
	default:
		typ, rname, ok := strings.Cut(label, ".")
		if !ok || typ == "" || rname == "" || strings.Contains(rname, ".") {
			return domain.BlockSelector{}, invalid(name, "%s: resource key %q must be <type>.<name>", where, label)
		}
		return domain.BlockSelector{Type: domain.BlockResource, Labels: []string{typ, rname}}, nil
	}
}

func parseParameter(where string, block domain.BlockSelector, key, value *yaml.Node) (domain.ParameterEdit, error) {
	where = where + " " + key.Value
	path, err := domain.ParseParameterPath(key.Value)
	if err != nil {
		return domain.ParameterEdit{}, invalid(key, "%s: %v", where, err)
	}
	if value.Kind != yaml.MappingNode {
		return domain.ParameterEdit{}, invalid(value, "%s: parameter configuration must be a mapping", where)
	}

	edit := domain.ParameterEdit{
		Block: block,
		Path:  path,
		Rules: domain.RuleSet{NotFound: domain.NotFoundPolicy{Action: domain.NotFoundSkip}},
	}

	for k := 0; k+1 < len(value.Content); k += 2 {
		field, body := value.Content[k], value.Content[k+1]
		switch field.Value {
		case "update":
			rules, err := parseUpdateRules(where, body)
			if err != nil {
				return domain.ParameterEdit{}, err
			}
			edit.Rules.Rules = rules
		case "param_not_found":
			policy, err := parseNotFound(where, body)
			if err != nil {
				return domain.ParameterEdit{}, err
			}
			edit.Rules.NotFound = policy
		default:
			return domain.ParameterEdit{}, invalid(field, "%s: unknown key '%s', want update or param_not_found", where, field.Value)
		}
	}
	return edit, nil
}

func parseUpdateRules(where string, node *yaml.Node) ([]domain.MatchRule, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, invalid(node, "%s: 'update' must be a list of rules", where)
	}
	rules := make([]domain.MatchRule, 0, len(node.Content))
	for i, r := range node.Content {
		ruleCtx := fmt.Sprintf("%s, rule %d", where, i+1)
		if r.Kind != yaml.MappingNode {
			return nil, invalid(r, "%s: rule must be a mapping", ruleCtx)
		}

		from := lookup(r, "from")
		if from == nil || isNull(from) || (from.Kind == yaml.SequenceNode && len(from.Content) == 0) {
			return nil, invalid(r, "%s: missing 'from' values", ruleCtx)
		}
		candidateNodes := []*yaml.Node{from}
		if from.Kind == yaml.SequenceNode {
			candidateNodes = from.Content
		}
		rule := domain.MatchRule{}
		for _, c := range candidateNodes {
			lit, err := literalFromNode(c)
			if err != nil {
				return nil, invalid(c, "%s: 'from': %v", ruleCtx, err)
			}
			rule.Candidates = append(rule.Candidates, lit)
		}

		to := lookup(r, "to")
		if to == nil || isNull(to) {
			return nil, invalid(r, "%s: missing 'to' value", ruleCtx)
		}
		target, err := literalFromNode(to)
		if err != nil {
			return nil, invalid(to, "%s: 'to': %v", ruleCtx, err)
		}
		rule.Target = target
		rules = append(rules, rule)
	}
	return rules, nil
}

func parseNotFound(where string, node *yaml.Node) (domain.NotFoundPolicy, error) {
	if node.Kind != yaml.MappingNode {
		return domain.NotFoundPolicy{}, invalid(node, "%s: 'param_not_found' must be a mapping", where)
	}
	actionNode := lookup(node, "action")
	if actionNode == nil {
		return domain.NotFoundPolicy{}, invalid(node, "%s: 'param_not_found' requires an action", where)
	}

	policy := domain.NotFoundPolicy{Action: domain.NotFoundAction(strings.ToLower(strings.TrimSpace(actionNode.Value)))}
	switch policy.Action {
	case domain.NotFoundSkip, domain.NotFoundError:
	case domain.NotFoundAdd:
		valueNode := lookup(node, "value")
		if valueNode == nil || isNull(valueNode) {
			return domain.NotFoundPolicy{}, invalid(node, "%s: action 'add' requires a value", where)
		}
		value, err := literalFromNode(valueNode)
		if err != nil {
			return domain.NotFoundPolicy{}, invalid(valueNode, "%s: 'value': %v", where, err)
		}
		policy.Value = value
	default:
		return domain.NotFoundPolicy{}, invalid(actionNode, "%s: invalid action '%s', must be one of: skip, add, error", where, actionNode.Value)
	}
	return policy, nil
}

// literalFromNode converts a YAML value to a Literal. Numbers keep their
// source text so that large or precise values are not rounded.
func literalFromNode(node *yaml.Node) (domain.Literal, error) {
	switch node.Kind {
	case yaml.AliasNode:
		return literalFromNode(node.Alias)
	case yaml.SequenceNode:
		items := make([]domain.Literal, 0, len(node.Content))
		for i, c := range node.Content {
			item, err := literalFromNode(c)
			if err != nil {
				return domain.Literal{}, fmt.Errorf("list element %d: %w", i, err)
			}
			items = append(items, item)
		}
		return domain.ListLiteral(items...), nil
	case yaml.ScalarNode:
		switch node.ShortTag() {
		case "!!str":
			return domain.StringLiteral(node.Value), nil
		case "!!int", "!!float":
			if lit, err := domain.NumberLiteral(strings.ReplaceAll(node.Value, "_", "")); err == nil {
				return lit, nil
			}
		case "!!null":
			return domain.Literal{}, fmt.Errorf("%w: null value", domain.ErrAmbiguousLiteral)
		}
		var v any
		if err := node.Decode(&v); err != nil {
			return domain.Literal{}, err
		}
		return domain.LiteralFromAny(v)
	default:
		return domain.Literal{}, fmt.Errorf("%w: mappings are not supported as values", domain.ErrAmbiguousLiteral)
	}
}

func requiredString(where string, node *yaml.Node, field string) (string, error) {
	v := lookup(node, field)
	if v == nil {
		return "", invalid(node, "%s: missing required field '%s'", where, field)
	}
	if v.Kind != yaml.ScalarNode || v.ShortTag() != "!!str" || strings.TrimSpace(v.Value) == "" {
		return "", invalid(v, "%s: '%s' must be a non-empty string", where, field)
	}
	return strings.TrimSpace(v.Value), nil
}

func lookup(mapping *yaml.Node, key string) *yaml.Node {
	if mapping == nil || mapping.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

func isNull(node *yaml.Node) bool {
	return node.Kind == yaml.ScalarNode && node.ShortTag() == "!!null"
}

func isChangeType(s string) bool {
	for _, t := range changeTypes {
		if s == t {
			return true
		}
	}
	return false
}

func invalid(node *yaml.Node, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if node != nil && node.Line > 0 {
		msg = fmt.Sprintf("line %d: %s", node.Line, msg)
	}
	return fmt.Errorf("%w: %s", ErrRulesInvalid, msg)
}
