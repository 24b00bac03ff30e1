package mongoengine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/mongo"
)

const duplicateKeyCode = 11000

// fakeCollection keeps documents in memory and understands the subset of the query language the engine sends:
// equality, $gte/$lte and top-level $or, plus sort, skip and limit. Unique indexes are enforced.
type fakeCollection struct {
	mu           sync.Mutex
	name         string
	documents    []bson.Raw
	uniqueKeys   [][]string
	exists       bool
	failWith     error
	beforeInsert func()
}

func newFakeCollection(name string) *fakeCollection {
	return &fakeCollection{name: name, uniqueKeys: [][]string{{fieldID}}}
}

func (c *fakeCollection) Name() string {
	return c.name
}

func (c *fakeCollection) InsertOne(_ context.Context, document any) error {
	if c.beforeInsert != nil {
		hook := c.beforeInsert
		c.beforeInsert = nil
		hook()
	}

	if c.failWith != nil {
		return c.failWith
	}

	raw, err := bson.Marshal(document)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, keys := range c.uniqueKeys {
		candidate := compositeKey(bson.Raw(raw), keys)
		for _, existing := range c.documents {
			if compositeKey(existing, keys) == candidate {
				return mongo.WriteException{WriteErrors: mongo.WriteErrors{{
					Code:    duplicateKeyCode,
					Message: "E11000 duplicate key error collection: " + c.name,
				}}}
			}
		}
	}

	c.documents = append(c.documents, raw)
	c.exists = true

	return nil
}

func (c *fakeCollection) Find(_ context.Context, filter bson.D, opts findOptions) (*mongo.Cursor, error) {
	if c.failWith != nil {
		return nil, c.failWith
	}

	c.mu.Lock()
	matched := make([]bson.Raw, 0, len(c.documents))
	for _, document := range c.documents {
		if matches(document, filter) {
			matched = append(matched, document)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool {
		for _, key := range opts.sort {
			direction, _ := key.Value.(int)
			cmp := compare(normalize(matched[i].Lookup(key.Key)), normalize(matched[j].Lookup(key.Key)))
			if cmp != 0 {
				return cmp*direction < 0
			}
		}

		return false
	})

	if opts.skip > 0 {
		if int(opts.skip) >= len(matched) {
			matched = nil
		} else {
			matched = matched[opts.skip:]
		}
	}

	if opts.limit > 0 && int(opts.limit) < len(matched) {
		matched = matched[:opts.limit]
	}

	documents := make([]any, 0, len(matched))
	for _, document := range matched {
		documents = append(documents, document)
	}

	return mongo.NewCursorFromDocuments(documents, nil, nil)
}

func (c *fakeCollection) Exists(_ context.Context) (bool, error) {
	if c.failWith != nil {
		return false, c.failWith
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.exists, nil
}

func (c *fakeCollection) CreateIndexes(_ context.Context, models []mongo.IndexModel) error {
	if c.failWith != nil {
		return c.failWith
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, model := range models {
		if model.Options == nil || model.Options.Unique == nil || !*model.Options.Unique {
			continue
		}

		keys := make([]string, 0)
		for _, element := range model.Keys.(bson.D) {
			keys = append(keys, element.Key)
		}

		if !c.hasUniqueKeys(keys) {
			c.uniqueKeys = append(c.uniqueKeys, keys)
		}
	}

	c.exists = true

	return nil
}

func (c *fakeCollection) hasUniqueKeys(keys []string) bool {
	joined := strings.Join(keys, ",")
	for _, existing := range c.uniqueKeys {
		if strings.Join(existing, ",") == joined {
			return true
		}
	}

	return false
}

func (c *fakeCollection) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.documents)
}

func compositeKey(document bson.Raw, keys []string) string {
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprint(normalize(document.Lookup(key))))
	}

	return strings.Join(parts, "|")
}

func matches(document bson.Raw, filter bson.D) bool {
	for _, element := range filter {
		if element.Key == "$or" {
			if !matchesAny(document, element.Value.(bson.A)) {
				return false
			}

			continue
		}

		actual := normalize(document.Lookup(element.Key))
		if actual == nil {
			return false
		}

		operators, isOperatorDocument := element.Value.(bson.D)
		if !isOperatorDocument {
			if compare(actual, normalizeValue(element.Value)) != 0 {
				return false
			}

			continue
		}

		for _, operator := range operators {
			cmp := compare(actual, normalizeValue(operator.Value))

			switch operator.Key {
			case "$gte":
				if cmp < 0 {
					return false
				}
			case "$lte":
				if cmp > 0 {
					return false
				}
			default:
				panic("fake collection does not support operator " + operator.Key)
			}
		}
	}

	return true
}

func matchesAny(document bson.Raw, alternatives bson.A) bool {
	for _, alternative := range alternatives {
		if matches(document, alternative.(bson.D)) {
			return true
		}
	}

	return false
}

// normalize maps stored values onto string or int64, date times become unix milliseconds.
func normalize(value bson.RawValue) any {
	switch value.Type {
	case bsontype.String:
		return value.StringValue()
	case bsontype.Int32:
		return int64(value.Int32())
	case bsontype.Int64:
		return value.Int64()
	case bsontype.DateTime:
		return value.DateTime()
	case bsontype.Boolean:
		if value.Boolean() {
			return int64(1)
		}

		return int64(0)
	default:
		return nil
	}
}

func normalizeValue(value any) any {
	switch v := value.(type) {
	case string:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case time.Time:
		return v.UnixMilli()
	default:
		panic(fmt.Sprintf("fake collection does not support filter value %T", value))
	}
}

func compare(a, b any) int {
	switch av := a.(type) {
	case string:
		bv, _ := b.(string)
		return strings.Compare(av, bv)
	case int64:
		bv, _ := b.(int64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	default:
		if b == nil {
			return 0
		}

		return -1
	}
}
