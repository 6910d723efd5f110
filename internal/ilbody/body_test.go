package ilbody_test

import (
	"encoding/binary"
	"errors"
	"testing"

	mderrors "github.com/zelig-tools/mdimport/internal/errors"
	"github.com/zelig-tools/mdimport/internal/ilbody"
	"github.com/zelig-tools/mdimport/internal/metadata"
	"github.com/zelig-tools/mdimport/internal/peimage"
	"github.com/zelig-tools/mdimport/internal/testimage"
)

var voidSig = testimage.MethodSig(false, testimage.Prim(metadata.ElemVoid))

func imageWith(t *testing.T, bodies ...[]byte) (*peimage.Image, *testimage.Layout, []metadata.Token) {
	t.Helper()
	b := testimage.New("Bodies")
	b.Module("Bodies.dll")
	b.TypeDef(0, "", "<Module>", 0)
	var toks []metadata.Token
	for _, body := range bodies {
		toks = append(toks, b.Method(0x0016, "M", voidSig, body))
	}
	buf, lay := b.BuildLayout()
	img, err := peimage.Load(buf, b.Name)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return img, lay, toks
}

func TestTinyBody(t *testing.T) {
	code := []byte{0x00, 0x17, 0x2A} // nop; ldc.i4.1; ret
	img, lay, toks := imageWith(t, testimage.TinyBody(code))
	body, err := ilbody.Extract(img, lay.BodyRVAs[toks[0]])
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if body.Fat || body.HeaderSize != 1 || body.MaxStack != 8 {
		t.Fatalf("tiny header = %+v", body)
	}
	if string(body.Code) != string(code) {
		t.Fatalf("code = %x", body.Code)
	}
	ins, err := body.Instructions()
	if err != nil {
		t.Fatalf("instructions: %v", err)
	}
	if len(ins) != 3 || ins[1].Op.Name != "ldc.i4.1" || ins[2].Offset != 2 {
		t.Fatalf("instructions = %v", ins)
	}
}

func TestFatBodyWithClauses(t *testing.T) {
	code := []byte{
		0x00,       // 0: nop
		0xDE, 0x04, // 1: leave.s 7
		0x26,       // 3: pop
		0xDE, 0x01, // 4: leave.s 7
		0x00,       // 6: nop
		0x2A,       // 7: ret
	}
	clauses := []testimage.Clause{
		{Kind: 0, TryOffset: 0, TryLength: 3, HandlerOffset: 3, HandlerLength: 3, ClassToken: 0x01000001},
		{Kind: 2, TryOffset: 0, TryLength: 6, HandlerOffset: 6, HandlerLength: 1},
	}
	fat := testimage.FatBody(4, 0x11000001, true, code, clauses...)
	img, lay, toks := imageWith(t, fat)
	body, err := ilbody.Extract(img, lay.BodyRVAs[toks[0]])
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !body.Fat || body.HeaderSize != 12 || body.MaxStack != 4 || !body.InitLocals {
		t.Fatalf("fat header = %+v", body)
	}
	if body.LocalVarSigToken != 0x11000001 {
		t.Fatalf("locals token = 0x%x", body.LocalVarSigToken)
	}
	if len(body.Code) != len(code) {
		t.Fatalf("code length %d", len(body.Code))
	}
	if len(body.Clauses) != 2 {
		t.Fatalf("clauses = %+v", body.Clauses)
	}
	c0, c1 := body.Clauses[0], body.Clauses[1]
	if c0.Kind != ilbody.ClauseException || c0.ClassToken != 0x01000001 || c0.HandlerOffset != 3 {
		t.Fatalf("catch clause = %+v", c0)
	}
	if c1.Kind != ilbody.ClauseFinally || c1.TryLength != 6 || c1.HandlerLength != 1 {
		t.Fatalf("finally clause = %+v", c1)
	}

	ins, err := body.Instructions()
	if err != nil {
		t.Fatalf("instructions: %v", err)
	}
	if target, ok := ins[1].BranchTarget(); !ok || target != 7 {
		t.Fatalf("leave.s target = %d, %v", target, ok)
	}
	if _, ok := ins[0].BranchTarget(); ok {
		t.Fatal("nop is not a branch")
	}
}

func TestClauseOutsideCode(t *testing.T) {
	code := []byte{0x00, 0x2A}
	fat := testimage.FatBody(1, 0, false, code, testimage.Clause{Kind: 2, TryLength: 1, HandlerOffset: 1, HandlerLength: 9})
	img, lay, toks := imageWith(t, fat)
	_, err := ilbody.Extract(img, lay.BodyRVAs[toks[0]])
	if !errors.Is(err, &mderrors.Error{Kind: mderrors.KindCorruptMetadata, Sub: mderrors.SubBodyOutOfBounds}) {
		t.Fatalf("expected BodyOutOfBounds, got %v", err)
	}
}

func TestCodeSizePastSection(t *testing.T) {
	fat := testimage.FatBody(1, 0, false, []byte{0x2A})
	binary.LittleEndian.PutUint32(fat[4:], 0x100000)
	img, lay, toks := imageWith(t, fat)
	_, err := ilbody.Extract(img, lay.BodyRVAs[toks[0]])
	if !errors.Is(err, &mderrors.Error{Kind: mderrors.KindCorruptMetadata, Sub: mderrors.SubBodyOutOfBounds}) {
		t.Fatalf("expected BodyOutOfBounds, got %v", err)
	}
}

func TestBadLocalsToken(t *testing.T) {
	fat := testimage.FatBody(1, 0x02000001, false, []byte{0x2A})
	img, lay, toks := imageWith(t, fat)
	_, err := ilbody.Extract(img, lay.BodyRVAs[toks[0]])
	if !errors.Is(err, &mderrors.Error{Kind: mderrors.KindCorruptMetadata, Sub: mderrors.SubBadToken}) {
		t.Fatalf("expected BadToken, got %v", err)
	}
}

func TestInstructionOperands(t *testing.T) {
	body := &ilbody.Body{Code: []byte{
		0x72, 0x01, 0x00, 0x00, 0x70, // ldstr 0x70000001
		0x45, 0x02, 0x00, 0x00, 0x00, // switch (2)
		0x01, 0x00, 0x00, 0x00,
		0xFE, 0xFF, 0xFF, 0xFF,
		0xFE, 0x01, // ceq
		0x2A,
	}}
	ins, err := body.Instructions()
	if err != nil {
		t.Fatalf("instructions: %v", err)
	}
	if len(ins) != 4 {
		t.Fatalf("instructions = %v", ins)
	}
	if ins[0].Token() != 0x70000001 || !ins[0].Op.Operand.IsToken() {
		t.Fatalf("ldstr = %v", ins[0])
	}
	if ins[1].Op.Name != "switch" || len(ins[1].Targets) != 2 || ins[1].Targets[1] != -2 || ins[1].Size != 13 {
		t.Fatalf("switch = %+v", ins[1])
	}
	if ins[2].Op.Value != 0xFE01 || ins[2].Offset != 18 {
		t.Fatalf("ceq = %+v", ins[2])
	}
	if got := ins[0].String(); got != "IL_0000: ldstr 0x70000001" {
		t.Fatalf("String() = %q", got)
	}
}

func TestTruncatedInstructionStream(t *testing.T) {
	for _, code := range [][]byte{
		{0x20, 0x01, 0x02},                   // ldc.i4 with 2 of 4 bytes
		{0xFE},                               // lone prefix
		{0x45, 0x05, 0x00, 0x00, 0x00, 0x00}, // switch table past end
		{0xA6},                               // unassigned
	} {
		_, err := (&ilbody.Body{Code: code}).Instructions()
		if !errors.Is(err, &mderrors.Error{Kind: mderrors.KindCorruptMetadata, Sub: mderrors.SubBodyOutOfBounds}) {
			t.Fatalf("% x: expected BodyOutOfBounds, got %v", code, err)
		}
	}
}

func TestUnavailableBody(t *testing.T) {
	cause := mderrors.Corrupt(mderrors.SubUnmappedRVA, "nowhere")
	b := ilbody.Unavailable(0x06000001, 0x10, cause)
	if _, err := b.Instructions(); err != cause {
		t.Fatalf("expected stored cause, got %v", err)
	}
}
