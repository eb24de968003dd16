// Package rsdb is a safe binding over a db.Engine. Every engine resource is
// owned by exactly one wrapper (Config, Tree or Cursor) that frees it once,
// on Close, and refuses further use afterwards.
//
//	tree, err := rsdb.Open(engine, "/var/lib/app/tree")
//	if err != nil {
//		return err
//	}
//	defer tree.Close()
//
//	if err := tree.Set([]byte("k1"), []byte("v1")); err != nil {
//		return err
//	}
//	res, err := tree.CompareAndSwap([]byte("k1"), db.Some([]byte("v1")), db.Absent)
//
// Values cross the boundary with an explicit presence flag: a missing key and
// an empty value are different results.
package rsdb
