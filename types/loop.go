package types

// Poster ставит задачу на луп канала.
type Poster interface {
	Post(fn func())
}
