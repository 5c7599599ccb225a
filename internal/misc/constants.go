package misc

const (
	// ArgonTime key derivation parameters for passphrase-sealed exports
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32
	SaltSize            = 16

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700 // user read + write + search
)
