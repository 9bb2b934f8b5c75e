package helper

import (
	"testing"

	. "github.com/onsi/gomega"
)

type testInner struct {
	Table string `errorTxt:"source table" mandatory:"yes"`
	Note  string
}

type testOuter struct {
	RunID   string `errorTxt:"run id" mandatory:"yes"`
	Size    int    `errorTxt:"batch size" mandatory:"yes"`
	Source  testInner
	Ptr     *testInner
	Items   []testInner
	private string
}

func TestValidateStructIsPopulated(t *testing.T) {
	g := NewWithT(t)
	// Test 1 - everything missing.
	err := ValidateStructIsPopulated(&testOuter{})
	g.Expect(err).To(HaveOccurred())
	g.Expect(err.Error()).To(Equal("please supply values for run id, batch size, source table"))
	// Test 2 - nested pointers and slices are descended.
	err = ValidateStructIsPopulated(testOuter{
		RunID:  "r1",
		Size:   1,
		Source: testInner{Table: "t"},
		Ptr:    &testInner{},
		Items:  []testInner{{Table: "x"}, {}},
	})
	g.Expect(err).To(MatchError("please supply values for source table, source table"))
	// Test 3 - all populated.
	g.Expect(ValidateStructIsPopulated(testOuter{RunID: "r1", Size: 1, Source: testInner{Table: "t"}})).To(Succeed())
}

func TestEnvHelpers(t *testing.T) {
	g := NewWithT(t)
	g.Expect(EnvVarName("batch-size")).To(Equal("LP_BATCH_SIZE"))
	g.Expect(EnvVarName("source.dsn")).To(Equal("LP_SOURCE_DSN"))
	g.Expect(ReadValueFromEnvWithDefault("LP_TEST_UNSET_VALUE", "dflt")).To(Equal("dflt"))
	t.Setenv("LP_TEST_VALUE", "set")
	var v string
	g.Expect(ReadValueFromEnv("LP_TEST_VALUE", &v)).To(Succeed())
	g.Expect(v).To(Equal("set"))
	g.Expect(ReadValueFromEnv("LP_TEST_UNSET_VALUE", &v)).To(HaveOccurred())
}

func TestStringHelpers(t *testing.T) {
	g := NewWithT(t)
	g.Expect(QuoteIdentifier(`we"ird`, `"`, `"`)).To(Equal(`"we""ird"`))
	g.Expect(QuoteIdentifier("col", "[", "]")).To(Equal("[col]"))
	g.Expect(QuoteIdentifiers([]string{"a", "b"}, "`", "`")).To(Equal([]string{"`a`", "`b`"}))
	var b AtomBool
	g.Expect(b.Get()).To(BeFalse())
	b.Set(true)
	g.Expect(b.Get()).To(BeTrue())
}
