package models

// RootCategoryName names the distinguished category that maps to the
// hierarchy's root logger.
const RootCategoryName = "root"

// Permission bits granted to a principal on a project.
const (
	PermRead   = 1 << iota // view sessions and watch events
	PermWrite              // edit categories, appenders, clients
	PermDelete             // delete the project
)

// Project is the unit of logging policy. Clients connecting from one of the
// project's client identities are routed through the project's categories.
type Project struct {
	ID          int64        `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Categories  []Category   `json:"categories" yaml:"categories"`
	Appenders   []Appender   `json:"appenders" yaml:"appenders"`
	Clients     []Client     `json:"clients" yaml:"clients"`
	Permissions []Permission `json:"permissions,omitempty" yaml:"permissions,omitempty"`
}

// Category is a named logger scope with a level, additivity flag and the
// appenders it writes to.
type Category struct {
	ID            int64    `json:"id" yaml:"id"`
	Name          string   `json:"name" yaml:"name"`
	Level         string   `json:"level" yaml:"level"`
	Additivity    bool     `json:"additivity" yaml:"additivity"`
	AppenderNames []string `json:"appenders" yaml:"appenders"`
}

// IsRoot reports whether the category configures the root logger.
func (c Category) IsRoot() bool {
	return c.Name == RootCategoryName
}

// Appender is a named output definition. Type selects the implementation and
// Params carries implementation specific settings such as a file path or
// layout pattern.
type Appender struct {
	ID     int64             `json:"id" yaml:"id"`
	Name   string            `json:"name" yaml:"name"`
	Type   string            `json:"type" yaml:"type"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// Client is a connecting host identified by hostname or IP string.
type Client struct {
	ID   int64  `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// Permission grants a principal access bits on a project.
type Permission struct {
	ID        int64  `json:"id" yaml:"id"`
	Principal string `json:"principal" yaml:"principal"`
	Bits      int    `json:"bits" yaml:"bits"`
}

// Has reports whether all bits in mask are granted.
func (p Permission) Has(mask int) bool {
	return p.Bits&mask == mask
}

// AppenderByName returns the appender with the given name.
func (p *Project) AppenderByName(name string) (Appender, bool) {
	for _, a := range p.Appenders {
		if a.Name == name {
			return a, true
		}
	}
	return Appender{}, false
}

// CategoryByID returns the category with the given id.
func (p *Project) CategoryByID(id int64) (Category, bool) {
	for _, c := range p.Categories {
		if c.ID == id {
			return c, true
		}
	}
	return Category{}, false
}

// HasClient reports whether identity is one of the project's clients.
func (p *Project) HasClient(identity string) bool {
	for _, c := range p.Clients {
		if c.Name == identity {
			return true
		}
	}
	return false
}

// ClientNames returns the identities of all clients in the project.
func (p *Project) ClientNames() []string {
	names := make([]string, 0, len(p.Clients))
	for _, c := range p.Clients {
		names = append(names, c.Name)
	}
	return names
}

// Clone returns a deep copy of the project.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	out := &Project{ID: p.ID, Name: p.Name}
	out.Categories = make([]Category, len(p.Categories))
	for i, c := range p.Categories {
		c.AppenderNames = append([]string(nil), c.AppenderNames...)
		out.Categories[i] = c
	}
	out.Appenders = make([]Appender, len(p.Appenders))
	for i, a := range p.Appenders {
		if a.Params != nil {
			params := make(map[string]string, len(a.Params))
			for k, v := range a.Params {
				params[k] = v
			}
			a.Params = params
		}
		out.Appenders[i] = a
	}
	out.Clients = append([]Client(nil), p.Clients...)
	out.Permissions = append([]Permission(nil), p.Permissions...)
	return out
}

// RemovedClients returns the client identities present in before but not in
// after, in before's order.
func RemovedClients(before, after *Project) []string {
	if before == nil {
		return nil
	}
	var removed []string
	for _, c := range before.Clients {
		if after == nil || !after.HasClient(c.Name) {
			removed = append(removed, c.Name)
		}
	}
	return removed
}
