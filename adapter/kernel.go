package adapter

// newKernel drives the platform's native WireGuard with incremental updates.
func newKernel(opts Options) (Backend, error) {
	links, err := newKernelLinks(opts)
	if err != nil {
		return nil, err
	}
	b := newCtrlBackend(KernelDriver, opts, false)
	b.links = links
	return b, nil
}
