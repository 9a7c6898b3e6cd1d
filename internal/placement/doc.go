// Package placement moves verified artifacts from the temporary store to
// the destination layout the Switchroot bootloader expects:
//
//	Android-{Variant}/{build}.zip                       os-image (Android), companion
//	Android-{Variant}/switchroot/install/boot.img       install-image
//	Android-{Variant}/switchroot/android/bl31.bin       runtime-file
//	Android-{Variant}/bootloader/ini/android.ini        bootloader-config
//	Android-{Variant}/{sub_path}                        bundle-file
//	{build}.7z                                          os-image (Linux)
//
// A file is first written next to its destination with a temporary suffix,
// checked for size and then renamed, so a final path only ever holds a
// complete file.
package placement
