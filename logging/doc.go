// Package logging provides the logrus conventions shared by every meshcore
// component: a per-component entry, key previews that never leak whole keys,
// and a sampler that bounds log volume on attacker-controlled paths.
package logging
