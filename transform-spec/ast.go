package transformspec

// Node is a parsed expression.
type Node interface {
	node()
}

type Ident struct {
	Name string
}

type NumberLit struct {
	Text string
}

type StringLit struct {
	Value string
}

type BoolLit struct {
	Value bool
}

type NullLit struct{}

// Unary is a prefix "-" or "NOT".
type Unary struct {
	Op string
	X  Node
}

// Binary covers arithmetic, comparison, concatenation, AND, OR, LIKE and ILIKE.
type Binary struct {
	Op  string
	Not bool // NOT LIKE, NOT ILIKE
	L   Node
	R   Node
}

type IsNull struct {
	X   Node
	Not bool
}

type In struct {
	X    Node
	List []Node
	Not  bool
}

type Between struct {
	X   Node
	Lo  Node
	Hi  Node
	Not bool
}

type When struct {
	Cond   Node
	Result Node
}

// Case is a searched CASE, or a simple CASE when Operand is set.
type Case struct {
	Operand Node
	Whens   []When
	Else    Node
}

type Cast struct {
	X    Node
	Type string
}

type Call struct {
	Name string
	Args []Node
	Star bool // count(*)
}

func (*Ident) node()     {}
func (*NumberLit) node() {}
func (*StringLit) node() {}
func (*BoolLit) node()   {}
func (*NullLit) node()   {}
func (*Unary) node()     {}
func (*Binary) node()    {}
func (*IsNull) node()    {}
func (*In) node()        {}
func (*Between) node()   {}
func (*Case) node()      {}
func (*Cast) node()      {}
func (*Call) node()      {}
