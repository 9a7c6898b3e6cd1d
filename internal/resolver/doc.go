// Package resolver expands a selected build into the complete, ordered set of
// files it needs.
//
// Every [ComponentRule] whose match covers the selection contributes a
// version-matched companion package (LineageOS builds need a GApps package)
// and a list of file descriptors. Descriptors name a fixed or templated URL,
// an asset published with the build, or generated content such as the
// bootloader ini.
//
// The output order is fixed: the selection, then each matching rule in
// declaration order with its companion before its files. Placement and the
// CLI both rely on it. Resolution is all or nothing: a missing companion or
// file fails the whole selection before anything is downloaded.
package resolver
