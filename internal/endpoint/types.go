package endpoint

import (
	"fmt"
	"sort"
	"strings"
)

// Kind tags the endpoint variant; it is inferred from the directory the
// entity.json lives under, never from the document itself.
type Kind string

const (
	KindSQL       Kind = "SQL"
	KindProxy     Kind = "Proxy"
	KindComposite Kind = "Composite"
	KindFile      Kind = "File"
	KindWebhook   Kind = "Webhook"
	KindStatic    Kind = "Static"
)

// ObjectType narrows what a SQL endpoint fronts.
type ObjectType string

const (
	ObjectTable     ObjectType = "Table"
	ObjectView      ObjectType = "View"
	ObjectTVF       ObjectType = "TableValuedFunction"
	ObjectProcedure ObjectType = "StoredProcedure"
)

// ParameterSource says where a TVF parameter value comes from.
type ParameterSource string

const (
	SourcePath   ParameterSource = "Path"
	SourceQuery  ParameterSource = "Query"
	SourceHeader ParameterSource = "Header"
)

var allowedVerbs = map[string]struct{}{
	"GET": {}, "POST": {}, "PUT": {}, "PATCH": {},
	"DELETE": {}, "MERGE": {}, "HEAD": {}, "OPTIONS": {},
}

// Definition is the tagged endpoint variant. Exactly one kind payload is
// populated. Consumers hold read-only snapshots; the registry is the sole
// owner and never mutates a published definition.
type Definition struct {
	Name                string
	Namespace           string
	Kind                Kind
	AllowedEnvironments []string
	AllowedMethods      map[string]struct{}
	IsPrivate           bool
	CustomProperties    map[string]string

	SQL       *SQLDefinition
	Proxy     *ProxyDefinition
	Composite *CompositeDefinition
	File      *FileDefinition
	Webhook   *WebhookDefinition
	Static    *StaticDefinition
}

// FullName joins namespace and name the way request paths reference them.
func (d *Definition) FullName() string {
	if d.Namespace == "" {
		return d.Name
	}
	return d.Namespace + "/" + d.Name
}

// AllowsMethod reports whether the verb is in the endpoint's method set.
func (d *Definition) AllowsMethod(method string) bool {
	_, ok := d.AllowedMethods[strings.ToUpper(method)]
	return ok
}

// AllowsEnvironment reports whether the endpoint is exposed in the named
// environment. An empty list means every allow-listed environment.
func (d *Definition) AllowsEnvironment(env string) bool {
	if len(d.AllowedEnvironments) == 0 {
		return true
	}
	for _, allowed := range d.AllowedEnvironments {
		if strings.EqualFold(allowed, env) {
			return true
		}
	}
	return false
}

// Methods returns the sorted method set for logging and documentation.
func (d *Definition) Methods() []string {
	methods := make([]string, 0, len(d.AllowedMethods))
	for m := range d.AllowedMethods {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// SQLDefinition configures a table, view, TVF, or procedure endpoint.
type SQLDefinition struct {
	Schema     string
	ObjectName string
	ObjectType ObjectType
	PrimaryKey string
	Columns    ColumnMapping
	Procedure  string
	Parameters []TVFParameter
}

// TVFParameter describes one table-valued-function argument.
type TVFParameter struct {
	Name         string
	SQLType      string
	Source       ParameterSource
	Position     int
	Required     bool
	DefaultValue string
}

// ProxyDefinition configures an HTTP upstream endpoint.
type ProxyDefinition struct {
	UpstreamURL         string
	RewriteResponseURLs bool
	// MethodTranslations maps inbound verbs to the verb sent upstream,
	// e.g. MERGE to PATCH for upstreams that never learned MERGE.
	MethodTranslations map[string]string
	// AppendHeaders adds headers keyed by the inbound verb. Values may
	// carry the {ORIGINAL_METHOD} and {TRANSLATED_METHOD} placeholders.
	AppendHeaders map[string]map[string]string
	// HeaderConflict is "Skip" (keep the client's header) or "Overwrite".
	HeaderConflict string
	// CacheSeconds overrides the configured GET cache TTL. Zero means use
	// the default; negative disables caching for this endpoint.
	CacheSeconds int
}

// TranslateMethod returns the verb to send upstream.
func (p *ProxyDefinition) TranslateMethod(method string) string {
	if translated, ok := p.MethodTranslations[strings.ToUpper(method)]; ok {
		return translated
	}
	return strings.ToUpper(method)
}

// CompositeDefinition configures an orchestrated endpoint.
type CompositeDefinition struct {
	Steps []CompositeStep
}

// CompositeStep is one sub-request in a composite chain.
type CompositeStep struct {
	Name            string
	TargetEndpoint  string
	Method          string
	IsArray         bool
	ArrayProperty   string
	SourceProperty  string
	Transformations map[string]string
}

// FileDefinition configures a file-storage endpoint.
type FileDefinition struct {
	BaseDirectory     string
	AllowedExtensions []string
	StorageType       string
}

// WebhookDefinition configures an inbound persistence sink.
type WebhookDefinition struct {
	Schema         string
	ObjectName     string
	AllowedColumns []string
}

// StaticDefinition configures a fixed-document endpoint.
type StaticDefinition struct {
	ContentType string
	Content     string
	ContentFile string
}

// ColumnMapping carries the bijective alias relation parsed from
// AllowedColumns. Order preserves the declaration sequence for projection.
type ColumnMapping struct {
	AliasToDB map[string]string
	DBToAlias map[string]string
	Order     []string // aliases in declaration order
}

// ParseColumns parses "dbName" or "dbName;alias" pairs into the two lookup
// maps, rejecting duplicates on either side so the relation stays bijective.
func ParseColumns(allowed []string) (ColumnMapping, error) {
	mapping := ColumnMapping{
		AliasToDB: make(map[string]string, len(allowed)),
		DBToAlias: make(map[string]string, len(allowed)),
		Order:     make([]string, 0, len(allowed)),
	}
	for _, raw := range allowed {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		db, alias := entry, entry
		if idx := strings.Index(entry, ";"); idx >= 0 {
			db = strings.TrimSpace(entry[:idx])
			alias = strings.TrimSpace(entry[idx+1:])
		}
		if db == "" || alias == "" {
			return ColumnMapping{}, fmt.Errorf("column entry %q invalid", raw)
		}
		aliasKey := strings.ToLower(alias)
		dbKey := strings.ToLower(db)
		if _, dup := mapping.AliasToDB[aliasKey]; dup {
			return ColumnMapping{}, fmt.Errorf("alias %q declared twice", alias)
		}
		if _, dup := mapping.DBToAlias[dbKey]; dup {
			return ColumnMapping{}, fmt.Errorf("column %q declared twice", db)
		}
		mapping.AliasToDB[aliasKey] = db
		mapping.DBToAlias[dbKey] = alias
		mapping.Order = append(mapping.Order, alias)
	}
	return mapping, nil
}

// DB resolves an alias (case-insensitive) to its database column.
func (m ColumnMapping) DB(alias string) (string, bool) {
	db, ok := m.AliasToDB[strings.ToLower(alias)]
	return db, ok
}

// Alias resolves a database column back to its public alias.
func (m ColumnMapping) Alias(db string) (string, bool) {
	alias, ok := m.DBToAlias[strings.ToLower(db)]
	return alias, ok
}

func normalizeMethods(methods []string, defaults []string) (map[string]struct{}, error) {
	if len(methods) == 0 {
		methods = defaults
	}
	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		verb := strings.ToUpper(strings.TrimSpace(m))
		if verb == "" {
			continue
		}
		if _, ok := allowedVerbs[verb]; !ok {
			return nil, fmt.Errorf("method %q not allowed", m)
		}
		set[verb] = struct{}{}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("no valid methods declared")
	}
	return set, nil
}
