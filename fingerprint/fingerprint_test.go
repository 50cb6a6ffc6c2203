package fingerprint

import (
	"strings"
	"testing"
)

func TestNormalizeMasksLiterals(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "numbers and strings",
			in:   "SELECT * FROM T WHERE id = 42 AND name = 'Bob'",
			want: "SELECT*FROM T WHERE id=# AND name='#'",
		},
		{
			name: "unicode string",
			in:   "select x from u where nm = N'müller'",
			want: "SELECT x FROM u WHERE nm=N'#'",
		},
		{
			name: "guid literal",
			in:   "DELETE FROM s WHERE sid = 'A1B2C3D4-E5F6-7890-ABCD-EF0123456789'",
			want: "DELETE FROM s WHERE sid='#GUID#'",
		},
		{
			name: "datetime literal",
			in:   "SELECT 1 FROM o WHERE created >= '2024-01-15 08:30:00'",
			want: "SELECT # FROM o WHERE created>='#DATE#'",
		},
		{
			name: "date only literal",
			in:   "SELECT 1 FROM o WHERE d = '2024-01-15'",
			want: "SELECT # FROM o WHERE d='#DATE#'",
		},
		{
			name: "identifiers keep digits",
			in:   "SELECT c1, c2 FROM table1 WHERE x = 5",
			want: "SELECT c1,c2 FROM table1 WHERE x=#",
		},
		{
			name: "line comment stripped",
			in:   "SELECT a FROM t -- fetch it\n WHERE a > 3",
			want: "SELECT a FROM t WHERE a>#",
		},
		{
			name: "block comment stripped",
			in:   "SELECT a /* hint: none */ FROM t",
			want: "SELECT a FROM t",
		},
		{
			name: "decimal literal",
			in:   "UPDATE p SET price = 19.99",
			want: "UPDATE p SET price=#",
		},
		{
			name: "escaped quote inside string",
			in:   "SELECT * FROM t WHERE nm = 'O''Brien'",
			want: "SELECT*FROM t WHERE nm='#'",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.in)
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"SELECT * FROM T WHERE id = 42 AND name = 'Bob' -- trailing",
		"select top 10 a, b from x where d = '2024-01-01' and g = 'A1B2C3D4-E5F6-7890-ABCD-EF0123456789'",
		"EXEC sp_who2",
		"UPDATE t SET v = N'text', n = 3.14 WHERE k IN (1, 2, 3)",
		"SELECT a - -1 FROM t",
		"SELECT a - - -b FROM t",
		"",
		"   ",
	}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("Normalize not idempotent for %q:\n once=%q\ntwice=%q", in, once, twice)
		}
	}
}

func TestNormalizeUnaryMinusIsNotAComment(t *testing.T) {
	got := Normalize("SELECT a - -1 FROM t")
	if strings.Contains(got, "--") {
		t.Errorf("Normalize(%q) = %q contains a line-comment introducer", "SELECT a - -1 FROM t", got)
	}
	if again := Normalize(got); again != got {
		t.Errorf("second pass changed %q to %q", got, again)
	}
}

func TestFingerprintStableAcrossLiterals(t *testing.T) {
	a := "SELECT * FROM T WHERE id = 42 AND name = 'Bob' -- trailing"
	b := "select * from T where id=99 and name='Alice'"

	fa, err := Fingerprint(a)
	if err != nil {
		t.Fatalf("Fingerprint(a): %v", err)
	}
	fb, err := Fingerprint(b)
	if err != nil {
		t.Fatalf("Fingerprint(b): %v", err)
	}
	if fa.Hash != fb.Hash {
		t.Errorf("hashes differ: %s vs %s\n a norm: %q\n b norm: %q",
			fa.Hash, fb.Hash, fa.NormalizedText, fb.NormalizedText)
	}
	if fa.IsFromServerHash {
		t.Error("computed fingerprint should not be marked as server hash")
	}
}

func TestFingerprintDiffersAcrossQueries(t *testing.T) {
	fa, _ := Fingerprint("SELECT a FROM t1")
	fb, _ := Fingerprint("SELECT b FROM t2")
	if fa.Hash == fb.Hash {
		t.Error("distinct queries produced the same hash")
	}
}

func TestFingerprintRejectsEmpty(t *testing.T) {
	for _, in := range []string{"", "   ", "\n\t"} {
		if _, err := Fingerprint(in); err == nil {
			t.Errorf("Fingerprint(%q) should fail", in)
		}
	}
}

func TestFingerprintTruncatesSample(t *testing.T) {
	long := "SELECT '" + strings.Repeat("x", 5000) + "'"
	fp, err := Fingerprint(long)
	if err != nil {
		t.Fatal(err)
	}
	if len(fp.SampleText) != 4000 {
		t.Errorf("sample length = %d, want 4000", len(fp.SampleText))
	}
}

func TestFromServerHash(t *testing.T) {
	hash := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	fp, err := FromServerHash(hash, "SELECT 1")
	if err != nil {
		t.Fatal(err)
	}
	if !fp.IsFromServerHash {
		t.Error("IsFromServerHash not set")
	}
	if fp.Hash.String() != "0x0102030405060708" {
		t.Errorf("hash = %s", fp.Hash)
	}

	if _, err := FromServerHash([]byte{0x01, 0x02}, "SELECT 1"); err == nil {
		t.Error("short server hash should be rejected")
	}
	if _, err := FromServerHash(hash, "  "); err == nil {
		t.Error("empty sql should be rejected even with a server hash")
	}
}
