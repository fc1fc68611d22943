// Package secure keeps candidate secret material out of ordinary heap memory.
//
// Material read from the secret store for synthetic authentication or backup
// is moved into a memguard enclave immediately, encrypted at rest in memory
// and only decrypted inside a Use callback:
//
//	m := secure.NewMaterial(value) // value is wiped
//	defer m.Destroy()
//
//	err := m.Use(func(plaintext []byte) error {
//	    return checker.Authenticate(ctx, plaintext)
//	})
//
// The plaintext slice passed to Use is wiped when the callback returns and
// must not be retained.
package secure
