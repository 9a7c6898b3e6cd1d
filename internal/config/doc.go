// Package config defines configuration for the depot CLI.
//
// Preferences can be provided via:
//   - Command-line flags
//   - Environment variables (DEPOT_ prefix; GITHUB_TOKEN is honoured too)
//   - YAML configuration file
//
// Sizes accept human strings ("8MB", "8MiB") and durations use Go syntax
// ("30s", "24h").
//
// # Components
//
// The static description of catalog sources, dependency rules and the
// LineageOS to Android version map lives in a separate components document.
// A default is embedded in the binary; [LoadComponents] reads a replacement
// in YAML or JSON.
//
//	sources:
//	  - id: lineage-tablet
//	    kind: lineage-api
//	    family: lineageos
//	    variant: Tablet
//	    url: https://download.lineageos.org/api/v2/devices/nx_tab/builds
//	rules:
//	  - name: android
//	    match: {family: lineageos}
//	    companion: {family: gapps, policy: exact-version}
//	    files:
//	      - {asset: boot.img, role: install-image}
package config
