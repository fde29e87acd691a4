package store

// Archived selects how archived (inactive) records are treated by a query.
type Archived int

const (
	// ActiveOnly is the default: archived records are invisible.
	ActiveOnly Archived = iota
	// IncludeArchived returns active and archived records.
	IncludeArchived
	// ArchivedOnly returns archived records only.
	ArchivedOnly
)

type op int

const (
	opEq op = iota
	opIn
	opNull
	opNotNull
	opNe
)

type cond struct {
	field  string
	op     op
	values []any
}

// Query is an immutable filter over one entity kind. Field names are the
// JSON names of the entity's fields.
type Query struct {
	companyID  int64
	hasCompany bool
	conds      []cond
	archived   Archived
	orderBy    string
	desc       bool
	nullsFirst bool
	limit      int
}

// Where starts an empty query.
func Where() Query { return Query{} }

// Company scopes the query to a tenant.
func (q Query) Company(id int64) Query {
	q.companyID = id
	q.hasCompany = true
	return q
}

// Eq matches records whose field equals v.
func (q Query) Eq(field string, v any) Query {
	return q.with(cond{field: field, op: opEq, values: []any{v}})
}

// Ne matches records whose field differs from v.
func (q Query) Ne(field string, v any) Query {
	return q.with(cond{field: field, op: opNe, values: []any{v}})
}

// In matches records whose field equals any of vs. An empty set matches nothing.
func (q Query) In(field string, vs ...any) Query {
	return q.with(cond{field: field, op: opIn, values: vs})
}

// IsNull matches records where field is absent or null.
func (q Query) IsNull(field string) Query {
	return q.with(cond{field: field, op: opNull})
}

// NotNull matches records where field is present and not null.
func (q Query) NotNull(field string) Query {
	return q.with(cond{field: field, op: opNotNull})
}

// WithArchived changes archived visibility.
func (q Query) WithArchived(mode Archived) Query {
	q.archived = mode
	return q
}

// OrderBy sorts by field. Null values sort first when nullsFirst is set.
func (q Query) OrderBy(field string, desc, nullsFirst bool) Query {
	q.orderBy = field
	q.desc = desc
	q.nullsFirst = nullsFirst
	return q
}

// Limit caps the number of records returned. Zero means no cap.
func (q Query) Limit(n int) Query {
	q.limit = n
	return q
}

func (q Query) with(c cond) Query {
	conds := make([]cond, len(q.conds), len(q.conds)+1)
	copy(conds, q.conds)
	q.conds = append(conds, c)
	return q
}

// Int64s converts ids into the variadic form In expects.
func Int64s(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// Strings converts values into the variadic form In expects.
func Strings(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
