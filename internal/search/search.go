package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultPost    ResultType = "post"
	ResultMessage ResultType = "message"
	ResultCard    ResultType = "card"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	Workspace string     `json:"workspace"`
	Path      string     `json:"path"`
}

// Query describes a search request scoped to one workspace.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	Workspace  string     // workspace document path, e.g. users/ada/workspaces/ws1
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// PostRecord is the data we index for an announcement post.
type PostRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Author    string `json:"author"`
	Workspace string `json:"workspace"`
	Path      string `json:"path"`
}

// MessageRecord is the data we index for a chat message.
type MessageRecord struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Author    string `json:"author"`
	Thread    string `json:"thread"`
	Workspace string `json:"workspace"`
	Path      string `json:"path"`
}

// CardRecord is the data we index for a board card.
type CardRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Workspace   string `json:"workspace"`
	Path        string `json:"path"`
}
