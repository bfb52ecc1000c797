package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Document pairs a decoded document with its id.
type Document[T any] struct {
	ID   string
	Data T
}

// QueryBuilder customises Firestore queries before execution.
type QueryBuilder func(query firestore.Query) firestore.Query

// Collection provides typed helpers over a single Firestore collection. T is a document struct
// carrying `firestore` tags.
type Collection[T any] struct {
	provider *Provider
	name     string
}

// NewCollection binds typed helpers to the named collection.
func NewCollection[T any](provider *Provider, name string) *Collection[T] {
	return &Collection[T]{provider: provider, name: strings.TrimSpace(name)}
}

// Name returns the collection name.
func (c *Collection[T]) Name() string {
	return c.name
}

// Doc returns the document reference for id.
func (c *Collection[T]) Doc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(c.op("document"), errors.New("firestore: document id is required"))
	}
	if c == nil || c.provider == nil {
		return nil, WrapError(c.op("document"), errors.New("firestore: provider is nil"))
	}
	coll, err := c.provider.Collection(ctx, c.name)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

// Get fetches and decodes the document.
func (c *Collection[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	ref, err := c.Doc(ctx, id)
	if err != nil {
		return zero, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return zero, WrapError(c.op("get"), err)
	}
	return Decode[T](snap)
}

// Create writes the document, failing with a conflict when it already exists.
func (c *Collection[T]) Create(ctx context.Context, id string, value T) error {
	ref, err := c.Doc(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, value); err != nil {
		return WrapError(c.op("create"), err)
	}
	return nil
}

// Query executes a collection query and returns the decoded documents.
func (c *Collection[T]) Query(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	if c == nil || c.provider == nil {
		return nil, WrapError(c.op("query"), errors.New("firestore: provider is nil"))
	}
	coll, err := c.provider.Collection(ctx, c.name)
	if err != nil {
		return nil, err
	}

	query := coll.Query
	if build != nil {
		query = build(query)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []Document[T]
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, WrapError(c.op("query"), err)
		}
		decoded, err := Decode[T](snap)
		if err != nil {
			return nil, fmt.Errorf("firestore: decode document %s: %w", snap.Ref.ID, err)
		}
		out = append(out, Document[T]{ID: snap.Ref.ID, Data: decoded})
	}
	return out, nil
}

// RunTransaction runs fn in a transaction on the collection's client.
func (c *Collection[T]) RunTransaction(ctx context.Context, fn TxFunc, opts ...TxOption) error {
	if c == nil || c.provider == nil {
		return WrapError(c.op("transaction"), errors.New("firestore: provider is nil"))
	}
	return c.provider.RunTransaction(ctx, fn, opts...)
}

func (c *Collection[T]) op(action string) string {
	name := "firestore"
	if c != nil && c.name != "" {
		name = c.name
	}
	return fmt.Sprintf("%s.%s", name, strings.ToLower(action))
}

// Decode populates T from a snapshot using Firestore's native decoding.
func Decode[T any](snap *firestore.DocumentSnapshot) (T, error) {
	var target T
	if snap == nil {
		return target, errors.New("firestore: snapshot is nil")
	}
	if err := snap.DataTo(&target); err != nil {
		return target, err
	}
	return target, nil
}
