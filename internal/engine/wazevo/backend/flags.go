package backend

// Flags are the compilation settings shared by every function of a module.
type Flags struct {
	// EnableSafepoints makes calls safepoints carrying stack maps of the live references.
	EnableSafepoints bool `toml:"enable_safepoints"`
	// EnableVerifier checks the structural invariants of VCode after building and after register allocation.
	EnableVerifier bool `toml:"enable_verifier"`
	// EnableMultiRetImplicitSRet returns the values which do not fit in registers through a
	// caller-provided memory area instead of failing the compilation.
	EnableMultiRetImplicitSRet bool `toml:"enable_multi_ret_implicit_sret"`
	// BlockAlignment is the minimum alignment of basic blocks in bytes. Zero means the target default.
	BlockAlignment uint32 `toml:"block_alignment"`
}

// DefaultFlags returns the default Flags.
func DefaultFlags() *Flags {
	return &Flags{EnableSafepoints: true}
}
