package tokenidx

import "testing"

func TestMemStorage_ReadersKeepTheirSnapshot(t *testing.T) {
	s := newMemStorage()
	defer s.Close()

	wtx := must(s.BeginTx(true))
	buck := must(wtx.CreateBucket("b"))
	mustPut(t, buck, []byte("k1"), []byte("v1"))
	mustPut(t, buck, []byte("k3"), []byte("v3"))
	ensure(wtx.Commit())

	before := must(s.BeginTx(false))
	defer before.Rollback()

	wtx = must(s.BeginTx(true))
	buck = nonNil(wtx.Bucket("b"))
	mustPut(t, buck, []byte("k2"), []byte("v2"))
	mustPut(t, buck, []byte("k1"), []byte("v1'"))
	ensure(buck.Delete([]byte("k3")))
	deepEqual(t, string(buck.Get([]byte("k1"))), "v1'")
	ensure(wtx.Commit())

	deepEqual(t, memItems(nonNil(before.Bucket("b"))), []string{"k1=v1", "k3=v3"})

	after := must(s.BeginTx(false))
	defer after.Rollback()
	deepEqual(t, memItems(nonNil(after.Bucket("b"))), []string{"k1=v1'", "k2=v2"})
	deepEqual(t, nonNil(after.Bucket("b")).Stats().KeyN, 2)
}

func TestMemStorage_RollbackDiscardsWrites(t *testing.T) {
	s := newMemStorage()
	defer s.Close()

	wtx := must(s.BeginTx(true))
	mustPut(t, must(wtx.CreateBucket("b")), []byte("k"), []byte("v"))
	ensure(wtx.Commit())

	wtx = must(s.BeginTx(true))
	mustPut(t, nonNil(wtx.Bucket("b")), []byte("k"), []byte("changed"))
	must(wtx.CreateBucket("other"))
	ensure(wtx.Rollback())

	rtx := must(s.BeginTx(false))
	defer rtx.Rollback()
	deepEqual(t, memItems(nonNil(rtx.Bucket("b"))), []string{"k=v"})
	if rtx.Bucket("other") != nil {
		t.Errorf("** rolled back bucket is visible")
	}
	if err := nonNil(rtx.Bucket("b")).Put([]byte("x"), nil); err == nil {
		t.Errorf("** read tx accepted a write")
	}
}

func TestMemStorage_CursorSeek(t *testing.T) {
	s := newMemStorage()
	defer s.Close()
	wtx := must(s.BeginTx(true))
	buck := must(wtx.CreateBucket("b"))
	for _, k := range []string{"a", "c", "e"} {
		mustPut(t, buck, []byte(k), []byte(k))
	}

	cur := buck.Cursor()
	defer cur.Close()
	k, _ := cur.Seek([]byte("b"))
	deepEqual(t, string(k), "c")
	k, _ = cur.Next()
	deepEqual(t, string(k), "e")
	k, _ = cur.Next()
	deepEqual(t, k, []byte(nil))
	k, _ = cur.Next()
	deepEqual(t, k, []byte(nil))
	k, _ = cur.Seek([]byte("f"))
	deepEqual(t, k, []byte(nil))
	k, _ = cur.First()
	deepEqual(t, string(k), "a")
	ensure(wtx.Rollback())
}

func memItems(b storageBucket) []string {
	var items []string
	cur := b.Cursor()
	defer cur.Close()
	for k, v := cur.First(); k != nil; k, v = cur.Next() {
		items = append(items, string(k)+"="+string(v))
	}
	return items
}
