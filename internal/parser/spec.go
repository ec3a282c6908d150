package parser

// Raw definition structs the declarative form decodes into before building a
// core.Workflow. Fields stay loosely typed here; the build step normalizes
// aliases, applies defaults, and reports structural problems.

type workflowDef struct {
	ID            string           `mapstructure:"id"`
	Name          string           `mapstructure:"name"`
	Version       string           `mapstructure:"version"`
	Type          string           `mapstructure:"type"`
	Kind          string           `mapstructure:"kind"`
	Description   string           `mapstructure:"description"`
	Schedule      string           `mapstructure:"schedule"`
	Metadata      map[string]any   `mapstructure:"metadata"`
	Nodes         []nodeDef        `mapstructure:"nodes"`
	Edges         []edgeDef        `mapstructure:"edges"`
	InitialState  string           `mapstructure:"initial_state"`
	States        []stateDef       `mapstructure:"states"`
	ErrorHandlers []handlerDef     `mapstructure:"error_handlers"`
	Compensation  *compensationDef `mapstructure:"compensation"`
}

type nodeDef struct {
	ID              string            `mapstructure:"id"`
	Name            string            `mapstructure:"name"`
	Type            string            `mapstructure:"type"`
	Subtype         string            `mapstructure:"subtype"`
	Config          map[string]any    `mapstructure:"config"`
	Inputs          map[string]string `mapstructure:"inputs"`
	OutputSchema    map[string]any    `mapstructure:"output_schema"`
	Dependencies    []string          `mapstructure:"dependencies"`
	DependsOn       []string          `mapstructure:"depends_on"`
	Retry           *retryDef         `mapstructure:"retry"`
	Timeout         any               `mapstructure:"timeout"`
	Priority        int               `mapstructure:"priority"`
	CompensationRef string            `mapstructure:"compensation_ref"`
}

type retryDef struct {
	MaxAttempts     int      `mapstructure:"max_attempts"`
	Backoff         string   `mapstructure:"backoff"`
	BaseDelay       any      `mapstructure:"base_delay"`
	BaseDelayMS     any      `mapstructure:"base_delay_ms"`
	MaxDelay        any      `mapstructure:"max_delay"`
	MaxDelayMS      any      `mapstructure:"max_delay_ms"`
	Jitter          bool     `mapstructure:"jitter"`
	RetryableErrors []string `mapstructure:"retryable_errors"`
}

// edgeDef accepts both from/to and source/target spellings.
type edgeDef struct {
	From        string            `mapstructure:"from"`
	To          string            `mapstructure:"to"`
	Source      string            `mapstructure:"source"`
	Target      string            `mapstructure:"target"`
	Kind        string            `mapstructure:"kind"`
	Type        string            `mapstructure:"type"`
	Condition   string            `mapstructure:"condition"`
	DataMapping map[string]string `mapstructure:"data_mapping"`
}

func (e edgeDef) from() string {
	if e.From != "" {
		return e.From
	}
	return e.Source
}

func (e edgeDef) to() string {
	if e.To != "" {
		return e.To
	}
	return e.Target
}

func (e edgeDef) kind() string {
	if e.Kind != "" {
		return e.Kind
	}
	return e.Type
}

type stateDef struct {
	Name        string           `mapstructure:"name"`
	Type        string           `mapstructure:"type"`
	OnEnter     []map[string]any `mapstructure:"on_enter"`
	OnExit      []map[string]any `mapstructure:"on_exit"`
	Transitions []transitionDef  `mapstructure:"transitions"`
}

type transitionDef struct {
	Event     string           `mapstructure:"event"`
	Condition string           `mapstructure:"condition"`
	Guard     string           `mapstructure:"guard"`
	Target    string           `mapstructure:"target"`
	Actions   []map[string]any `mapstructure:"actions"`
}

func (t transitionDef) guard() string {
	if t.Guard != "" {
		return t.Guard
	}
	return t.Condition
}

type handlerDef struct {
	NodePattern   string         `mapstructure:"node_pattern"`
	ErrorKinds    []string       `mapstructure:"error_kinds"`
	Policy        string         `mapstructure:"policy"`
	Retry         *retryDef      `mapstructure:"retry"`
	FallbackNode  string         `mapstructure:"fallback_node"`
	DefaultOutput map[string]any `mapstructure:"default_output"`
}

type compensationDef struct {
	Strategy        string   `mapstructure:"strategy"`
	ContinueOnError bool     `mapstructure:"continue_on_error"`
	Order           []string `mapstructure:"order"`
	EntryTimeout    any      `mapstructure:"entry_timeout"`
	MaxRetries      int      `mapstructure:"max_retries"`
}
