package endpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// entityDocument mirrors the entity.json schema. Field names match the file
// contract, not Go conventions.
type entityDocument struct {
	Name                string            `koanf:"Name"`
	IsPrivate           bool              `koanf:"IsPrivate"`
	AllowedEnvironments []string          `koanf:"AllowedEnvironments"`
	AllowedMethods      []string          `koanf:"AllowedMethods"`
	CustomProperties    map[string]string `koanf:"CustomProperties"`

	// SQL / Webhook
	DatabaseSchema     string              `koanf:"DatabaseSchema"`
	DatabaseObjectName string              `koanf:"DatabaseObjectName"`
	ObjectType         string              `koanf:"ObjectType"`
	PrimaryKey         string              `koanf:"PrimaryKey"`
	AllowedColumns     []string            `koanf:"AllowedColumns"`
	Procedure          string              `koanf:"Procedure"`
	Parameters         []parameterDocument `koanf:"Parameters"`

	// Proxy
	UpstreamURL             string `koanf:"UpstreamUrl"`
	RewriteResponseURLs     bool   `koanf:"RewriteResponseUrls"`
	HTTPMethodTranslation   string `koanf:"HttpMethodTranslation"`
	HTTPMethodAppendHeaders string `koanf:"HttpMethodAppendHeaders"`
	HeaderConflict          string `koanf:"HeaderConflict"`
	CacheSeconds            int    `koanf:"CacheDurationSeconds"`

	// Composite
	Steps []stepDocument `koanf:"Steps"`

	// File
	BaseDirectory     string   `koanf:"BaseDirectory"`
	AllowedExtensions []string `koanf:"AllowedExtensions"`
	StorageType       string   `koanf:"StorageType"`

	// Static
	ContentType string `koanf:"ContentType"`
	Content     string `koanf:"Content"`
	ContentFile string `koanf:"ContentFile"`
}

type parameterDocument struct {
	Name         string `koanf:"Name"`
	SQLType      string `koanf:"SqlType"`
	Source       string `koanf:"Source"`
	Position     int    `koanf:"Position"`
	Required     bool   `koanf:"Required"`
	DefaultValue string `koanf:"DefaultValue"`
}

type stepDocument struct {
	Name                    string            `koanf:"Name"`
	Endpoint                string            `koanf:"Endpoint"`
	Method                  string            `koanf:"Method"`
	IsArray                 bool              `koanf:"IsArray"`
	ArrayProperty           string            `koanf:"ArrayProperty"`
	SourceProperty          string            `koanf:"SourceProperty"`
	TemplateTransformations map[string]string `koanf:"TemplateTransformations"`
}

// parseEntity turns one entity.json into a validated Definition. The name
// defaults to the directory name; the kind comes from the tree location.
func parseEntity(path, namespace, dirName string, kind Kind) (*Definition, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(body), kjson.Parser()); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	var doc entityDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	name := strings.TrimSpace(doc.Name)
	if name == "" {
		name = dirName
	}

	def := &Definition{
		Name:                name,
		Namespace:           namespace,
		Kind:                kind,
		AllowedEnvironments: trimAll(doc.AllowedEnvironments),
		IsPrivate:           doc.IsPrivate,
		CustomProperties:    doc.CustomProperties,
	}

	methods, err := normalizeMethods(doc.AllowedMethods, defaultMethods(kind, doc))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	def.AllowedMethods = methods

	switch kind {
	case KindSQL:
		if err := populateSQL(def, doc); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	case KindProxy:
		if err := populateProxy(def, doc); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	case KindComposite:
		if err := populateComposite(def, doc); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	case KindFile:
		def.File = &FileDefinition{
			BaseDirectory:     strings.TrimSpace(doc.BaseDirectory),
			AllowedExtensions: lowerAll(doc.AllowedExtensions),
			StorageType:       defaultString(doc.StorageType, "Local"),
		}
	case KindWebhook:
		if strings.TrimSpace(doc.DatabaseObjectName) == "" {
			return nil, fmt.Errorf("%s: DatabaseObjectName required", path)
		}
		def.Webhook = &WebhookDefinition{
			Schema:         defaultString(doc.DatabaseSchema, "dbo"),
			ObjectName:     strings.TrimSpace(doc.DatabaseObjectName),
			AllowedColumns: trimAll(doc.AllowedColumns),
		}
	case KindStatic:
		if doc.Content == "" && doc.ContentFile == "" {
			return nil, fmt.Errorf("%s: Content or ContentFile required", path)
		}
		content := doc.Content
		if file := strings.TrimSpace(doc.ContentFile); file != "" {
			// Content files resolve next to the entity.json and are read at
			// load time so serving never touches the filesystem.
			body, err := os.ReadFile(filepath.Join(filepath.Dir(path), filepath.Base(file)))
			if err != nil {
				return nil, fmt.Errorf("%s: content file: %w", path, err)
			}
			content = string(body)
		}
		def.Static = &StaticDefinition{
			ContentType: defaultString(doc.ContentType, "application/json"),
			Content:     content,
			ContentFile: strings.TrimSpace(doc.ContentFile),
		}
	default:
		return nil, fmt.Errorf("%s: unsupported kind %q", path, kind)
	}

	return def, nil
}

func populateSQL(def *Definition, doc entityDocument) error {
	objectType := ObjectType(strings.TrimSpace(doc.ObjectType))
	if objectType == "" {
		objectType = ObjectTable
	}
	switch objectType {
	case ObjectTable, ObjectView, ObjectTVF, ObjectProcedure:
	default:
		return fmt.Errorf("ObjectType %q unsupported", doc.ObjectType)
	}
	if strings.TrimSpace(doc.DatabaseObjectName) == "" {
		return fmt.Errorf("DatabaseObjectName required")
	}

	columns, err := ParseColumns(doc.AllowedColumns)
	if err != nil {
		return fmt.Errorf("AllowedColumns: %w", err)
	}

	params := make([]TVFParameter, 0, len(doc.Parameters))
	for _, p := range doc.Parameters {
		source := ParameterSource(strings.TrimSpace(p.Source))
		switch source {
		case SourcePath, SourceQuery, SourceHeader:
		case "":
			source = SourceQuery
		default:
			return fmt.Errorf("parameter %q source %q unsupported", p.Name, p.Source)
		}
		params = append(params, TVFParameter{
			Name:         strings.TrimSpace(p.Name),
			SQLType:      strings.TrimSpace(p.SQLType),
			Source:       source,
			Position:     p.Position,
			Required:     p.Required,
			DefaultValue: p.DefaultValue,
		})
	}

	if objectType == ObjectTVF {
		if err := validateTVFPositions(params); err != nil {
			return err
		}
	}

	def.SQL = &SQLDefinition{
		Schema:     defaultString(doc.DatabaseSchema, "dbo"),
		ObjectName: strings.TrimSpace(doc.DatabaseObjectName),
		ObjectType: objectType,
		PrimaryKey: strings.TrimSpace(doc.PrimaryKey),
		Columns:    columns,
		Procedure:  strings.TrimSpace(doc.Procedure),
		Parameters: params,
	}
	return nil
}

// validateTVFPositions requires every Path-sourced parameter to carry a
// position, contiguous from 1, so URL segments map unambiguously.
func validateTVFPositions(params []TVFParameter) error {
	positions := make([]int, 0, len(params))
	for _, p := range params {
		if p.Source != SourcePath {
			continue
		}
		if p.Position <= 0 {
			return fmt.Errorf("path parameter %q requires a positive Position", p.Name)
		}
		positions = append(positions, p.Position)
	}
	sort.Ints(positions)
	for i, pos := range positions {
		if pos != i+1 {
			return fmt.Errorf("path parameter positions must be contiguous from 1, found %v", positions)
		}
	}
	return nil
}

func populateProxy(def *Definition, doc entityDocument) error {
	if strings.TrimSpace(doc.UpstreamURL) == "" {
		return fmt.Errorf("UpstreamUrl required")
	}
	translations, err := parseMethodTranslations(doc.HTTPMethodTranslation)
	if err != nil {
		return err
	}
	appendHeaders, err := parseMethodAppendHeaders(doc.HTTPMethodAppendHeaders)
	if err != nil {
		return err
	}
	conflict := strings.ToLower(strings.TrimSpace(doc.HeaderConflict))
	switch conflict {
	case "", "skip", "overwrite":
	default:
		return fmt.Errorf("HeaderConflict %q invalid, want Skip or Overwrite", doc.HeaderConflict)
	}
	def.Proxy = &ProxyDefinition{
		UpstreamURL:         strings.TrimRight(strings.TrimSpace(doc.UpstreamURL), "/"),
		RewriteResponseURLs: doc.RewriteResponseURLs,
		MethodTranslations:  translations,
		AppendHeaders:       appendHeaders,
		HeaderConflict:      conflict,
		CacheSeconds:        doc.CacheSeconds,
	}
	return nil
}

// parseMethodTranslations reads "FROM:TO,FROM2:TO2". Older entity files
// separate the verbs with a semicolon instead of a colon.
func parseMethodTranslations(raw string) (map[string]string, error) {
	translations := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		sep := ":"
		if !strings.Contains(pair, ":") {
			sep = ";"
		}
		from, to, found := strings.Cut(pair, sep)
		from = strings.ToUpper(strings.TrimSpace(from))
		to = strings.ToUpper(strings.TrimSpace(to))
		if !found || from == "" || to == "" {
			return nil, fmt.Errorf("method translation %q invalid, want FROM:TO", pair)
		}
		if _, ok := allowedVerbs[from]; !ok {
			return nil, fmt.Errorf("method translation source %q not allowed", from)
		}
		if _, ok := allowedVerbs[to]; !ok {
			return nil, fmt.Errorf("method translation target %q not allowed", to)
		}
		translations[from] = to
	}
	return translations, nil
}

// parseMethodAppendHeaders reads "FROM:Name=value,Name2=value2" groups,
// one group per inbound verb, groups separated by semicolons.
func parseMethodAppendHeaders(raw string) (map[string]map[string]string, error) {
	scoped := map[string]map[string]string{}
	for _, group := range strings.Split(raw, ";") {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		verb, rest, found := strings.Cut(group, ":")
		verb = strings.ToUpper(strings.TrimSpace(verb))
		if !found || strings.TrimSpace(rest) == "" {
			return nil, fmt.Errorf("append headers %q invalid, want FROM:Name=value", group)
		}
		if _, ok := allowedVerbs[verb]; !ok {
			return nil, fmt.Errorf("append header verb %q not allowed", verb)
		}
		headers := map[string]string{}
		for _, pair := range strings.Split(rest, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			name, value, ok := strings.Cut(pair, "=")
			name = strings.TrimSpace(name)
			if !ok || name == "" {
				return nil, fmt.Errorf("append header %q invalid, want Name=value", pair)
			}
			headers[name] = strings.TrimSpace(value)
		}
		scoped[verb] = headers
	}
	return scoped, nil
}

func populateComposite(def *Definition, doc entityDocument) error {
	if len(doc.Steps) == 0 {
		return fmt.Errorf("composite requires at least one step")
	}
	steps := make([]CompositeStep, 0, len(doc.Steps))
	seen := map[string]struct{}{}
	for i, s := range doc.Steps {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("step %d missing Name", i)
		}
		if _, dup := seen[strings.ToLower(name)]; dup {
			return fmt.Errorf("step %q declared twice", name)
		}
		seen[strings.ToLower(name)] = struct{}{}
		if strings.TrimSpace(s.Endpoint) == "" {
			return fmt.Errorf("step %q missing Endpoint", name)
		}
		if s.IsArray && strings.TrimSpace(s.ArrayProperty) == "" {
			return fmt.Errorf("step %q is array but has no ArrayProperty", name)
		}
		steps = append(steps, CompositeStep{
			Name:            name,
			TargetEndpoint:  strings.TrimSpace(s.Endpoint),
			Method:          strings.ToUpper(defaultString(s.Method, "POST")),
			IsArray:         s.IsArray,
			ArrayProperty:   strings.TrimSpace(s.ArrayProperty),
			SourceProperty:  strings.TrimSpace(s.SourceProperty),
			Transformations: s.TemplateTransformations,
		})
	}
	def.Composite = &CompositeDefinition{Steps: steps}
	return nil
}

func defaultMethods(kind Kind, doc entityDocument) []string {
	switch kind {
	case KindSQL:
		if doc.Procedure != "" {
			return []string{"GET", "POST", "PUT", "PATCH", "DELETE"}
		}
		return []string{"GET"}
	case KindProxy:
		return []string{"GET", "POST", "PUT", "PATCH", "DELETE"}
	case KindComposite, KindWebhook:
		return []string{"POST"}
	case KindFile:
		return []string{"GET", "POST", "DELETE"}
	case KindStatic:
		return []string{"GET"}
	default:
		return []string{"GET"}
	}
}

func defaultString(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func lowerAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.ToLower(strings.TrimSpace(v)); trimmed != "" {
			if !strings.HasPrefix(trimmed, ".") {
				trimmed = "." + trimmed
			}
			out = append(out, trimmed)
		}
	}
	return out
}
