package bkd

// Relation describes how a tree cell relates to the query shape.
type Relation int

const (
	// CellInsideQuery means every point in the cell matches.
	CellInsideQuery Relation = iota
	// CellCrossesQuery means the cell partially overlaps the query and its
	// points must be checked one by one.
	CellCrossesQuery
	// CellOutsideQuery means no point in the cell can match.
	CellOutsideQuery
)

func (r Relation) String() string {
	switch r {
	case CellInsideQuery:
		return "inside"
	case CellCrossesQuery:
		return "crosses"
	case CellOutsideQuery:
		return "outside"
	}
	return "unknown"
}

// IntersectVisitor receives matches during an intersection. Visit is called
// when a whole cell is known to match, so the value does not need checking;
// VisitValue is called in crossing cells where the visitor decides per
// point.
type IntersectVisitor interface {
	// Visit accepts a document whose values are all inside the query.
	Visit(docID int32) error

	// VisitValue checks one point of a crossing cell. packedValue is only
	// valid for the duration of the call.
	VisitValue(docID int32, packedValue []byte) error

	// Compare relates the cell [minPacked, maxPacked] to the query. Both
	// bounds are packed index values and inclusive.
	Compare(minPacked, maxPacked []byte) Relation
}

// Grower is implemented by visitors that want a size hint before bulk
// deliveries.
type Grower interface {
	Grow(count int)
}
