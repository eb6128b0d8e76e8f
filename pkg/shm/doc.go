// Package shm manages named shared memory segments for frame channels.
//
// A Manager maps segments from a directory (/dev/shm by default) and keeps an
// in-process registry, so that several handles to the same name share one
// mapping and the mapping is released only when the last handle detaches.
//
//	m := shm.NewManager()
//	seg, err := m.CreateOrAttach(ctx, "camera0", size)
//	if err != nil {
//		return err
//	}
//	defer seg.Detach()
//
// Segments outlive the processes that map them. Removing one is an explicit
// owner operation (Manager.Destroy); callers must detach every handle first.
package shm
