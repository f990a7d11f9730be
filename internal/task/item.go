package task

import (
	"fmt"
	"strings"
)

// Item is a unit of work. Name is the key used to find a running instance;
// it is not required to be unique.
type Item struct {
	Owner       string   `json:"owner"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority"`
}

// Less orders items by priority only. Equal priorities are unordered.
func (it Item) Less(other Item) bool { return Compare(it.Priority, other.Priority) < 0 }

// Details is the flat view used for log lines and inspection.
func (it Item) Details() map[string]string {
	return map[string]string{
		"user":        it.Owner,
		"name":        it.Name,
		"description": it.Description,
		"priority":    it.Priority.String(),
	}
}

// Spec returns the submission shape of the item.
func (it Item) Spec() Spec {
	return Spec{Owner: it.Owner, Name: it.Name, Description: it.Description, Priority: it.Priority.String()}
}

// Spec is the wire shape accepted from clients: priority is still raw text.
type Spec struct {
	Owner       string `json:"owner" yaml:"owner"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Priority    string `json:"priority" yaml:"priority"`
}

// Item validates s and converts it. Parse failures wrap ErrInvalidPriority.
func (s Spec) Item() (Item, error) {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return Item{}, fmt.Errorf("%w: name is required", ErrInvalidItem)
	}
	p, err := ParsePriority(s.Priority)
	if err != nil {
		return Item{}, err
	}
	return Item{
		Owner:       strings.TrimSpace(s.Owner),
		Name:        name,
		Description: s.Description,
		Priority:    p,
	}, nil
}

// Specs converts items to their submission shape.
func Specs(items []Item) []Spec {
	out := make([]Spec, 0, len(items))
	for _, it := range items {
		out = append(out, it.Spec())
	}
	return out
}
