// Package views defines the saved issue searches the dashboard lists
package views

import (
	"context"
	"fmt"
	"sort"

	"github.com/briangreenhill/jiradesk/jira"
)

// Searcher runs JQL searches. *jira.Client implements it.
type Searcher interface {
	SearchIssues(ctx context.Context, jql string, startAt, maxResults int) (*jira.SearchResult, error)
}

// View is a named JQL search
type View struct {
	Name  string `json:"name"`
	Title string `json:"title"`
	JQL   string `json:"jql"`
}

// Search runs the view's query
func (v View) Search(ctx context.Context, s Searcher, startAt, maxResults int) (*jira.SearchResult, error) {
	res, err := s.SearchIssues(ctx, v.JQL, startAt, maxResults)
	if err != nil {
		return nil, fmt.Errorf("view %s: %w", v.Name, err)
	}
	return res, nil
}

// Registry manages the available views. Register is meant for startup;
// it isn't safe to call concurrently with lookups.
type Registry struct {
	views map[string]View
}

// NewRegistry creates an empty view registry
func NewRegistry() *Registry {
	return &Registry{
		views: make(map[string]View),
	}
}

// Defaults returns a registry with the standard dashboard views. A
// non-empty project scopes every view to that project.
func Defaults(project string) *Registry {
	scope := ""
	if project != "" {
		scope = fmt.Sprintf("project = %q AND ", project)
	}

	r := NewRegistry()
	r.Register(View{
		Name:  "requests",
		Title: "Open requests",
		JQL:   scope + "issuetype = Request AND statusCategory != Done ORDER BY created DESC",
	})
	r.Register(View{
		Name:  "proposals",
		Title: "Contract proposals",
		JQL:   scope + "issuetype = Proposal ORDER BY updated DESC",
	})
	r.Register(View{
		Name:  "renewals",
		Title: "Vendor renewals due in 60 days",
		JQL:   scope + `issuetype = "Vendor Renewal" AND duedate <= 60d ORDER BY duedate ASC`,
	})
	return r
}

// Register adds a view, replacing any view with the same name
func (r *Registry) Register(v View) {
	r.views[v.Name] = v
}

// Get retrieves a view by name
func (r *Registry) Get(name string) (View, bool) {
	v, exists := r.views[name]
	return v, exists
}

// List returns all registered views sorted by name
func (r *Registry) List() []View {
	out := make([]View, 0, len(r.views))
	for _, v := range r.views {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
