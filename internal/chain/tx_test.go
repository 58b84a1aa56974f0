package chain

import "testing"

func sampleTx() *Transaction {
	return &Transaction{
		From:            Address{1},
		To:              Address{2},
		Value:           U128FromUint64(100),
		Fee:             U128FromUint64(1),
		Nonce:           0,
		SignatureScheme: 0,
		SignerPubKey:    []byte{0xaa},
		Signature:       []byte{0xbb},
	}
}

func identityDigest(b []byte) Digest {
	var d Digest
	copy(d[:], b)
	return d
}

func TestTransactionHashRequiresSetHash(t *testing.T) {
	tx := sampleTx()
	defer func() {
		if recover() == nil {
			t.Fatal("Hash before SetHash must panic")
		}
	}()
	tx.Hash()
}

func TestTransactionSetHashCaches(t *testing.T) {
	tx := sampleTx()
	h1 := tx.SetHash(identityDigest)
	h2 := tx.Hash()
	if h1 != h2 {
		t.Fatal("Hash must return the value cached by SetHash")
	}
}

func TestEncodeForHashExcludesNothingButHash(t *testing.T) {
	a := sampleTx()
	b := sampleTx()
	b.Signature = []byte{0xcc}
	if string(a.EncodeForHash()) == string(b.EncodeForHash()) {
		t.Fatal("differing signatures must produce differing EncodeForHash output")
	}
}

func TestEncodeSigningBytesExcludesSignature(t *testing.T) {
	a := sampleTx()
	b := sampleTx()
	b.Signature = []byte{0xcc, 0xdd, 0xee}
	if string(a.EncodeSigningBytes()) != string(b.EncodeSigningBytes()) {
		t.Fatal("EncodeSigningBytes must not depend on Signature")
	}
}

func TestSignerAndFeePayerDefaultToFrom(t *testing.T) {
	tx := sampleTx()
	if tx.Signer() != tx.From {
		t.Fatal("Signer must default to From when there is no sponsor")
	}
	if tx.FeePayer() != tx.From {
		t.Fatal("FeePayer must default to From when there is no sponsor")
	}
}

func TestSignerAndFeePayerUseSponsor(t *testing.T) {
	sponsor := Address{9}
	tx := sampleTx()
	tx.Sponsor = &sponsor
	if tx.Signer() != sponsor {
		t.Fatal("Signer must be the sponsor when one is present")
	}
	if tx.FeePayer() != sponsor {
		t.Fatal("FeePayer must be the sponsor when one is present")
	}
}

func TestStructuralCheckRejectsNullAddresses(t *testing.T) {
	tx := sampleTx()
	tx.From = NullAddress
	if err := tx.StructuralCheck(); err == nil {
		t.Fatal("NULL from must be rejected")
	}

	tx = sampleTx()
	tx.To = NullAddress
	if err := tx.StructuralCheck(); err == nil {
		t.Fatal("NULL to must be rejected")
	}

	tx = sampleTx()
	sponsor := NullAddress
	tx.Sponsor = &sponsor
	if err := tx.StructuralCheck(); err == nil {
		t.Fatal("NULL sponsor must be rejected")
	}
}

func TestStructuralCheckRejectsCoinbaseFrom(t *testing.T) {
	tx := sampleTx()
	tx.From = CoinbaseAddress
	if err := tx.StructuralCheck(); err == nil {
		t.Fatal("COINBASE must never appear as from")
	}
}

func TestStructuralCheckRejectsValueFeeOverflow(t *testing.T) {
	tx := sampleTx()
	tx.Value = U128{Hi: ^uint64(0), Lo: ^uint64(0)}
	tx.Fee = U128FromUint64(1)
	if err := tx.StructuralCheck(); err == nil {
		t.Fatal("value+fee overflow must be rejected")
	}
}

func TestStructuralCheckRejectsOversizedOpaqueExt(t *testing.T) {
	tx := sampleTx()
	tx.OpaqueExt = make([]byte, MaxOpaqueExtBytes+1)
	if err := tx.StructuralCheck(); err == nil {
		t.Fatal("opaque_ext over the size cap must be rejected")
	}
}

func TestStructuralCheckAcceptsValidTx(t *testing.T) {
	tx := sampleTx()
	if err := tx.StructuralCheck(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStreamCAffinityDefaultsToNone(t *testing.T) {
	tx := sampleTx()
	if tx.StreamCAffinity() != AffinityNone {
		t.Fatal("missing OpaqueExt must report AffinityNone")
	}
	tx.OpaqueExt = []byte{AffinityStreamC, 0x01}
	if tx.StreamCAffinity() != AffinityStreamC {
		t.Fatal("StreamCAffinity must read the first OpaqueExt byte")
	}
}
