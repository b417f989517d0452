// Package camera abstracts RGB-D frame acquisition behind a small Device
// interface with two implementations: a V4L2 capture path for real hardware
// (color YUYV node plus depth Z16 node) and a synthetic test-pattern source
// for tests and hardware-free bring-up.
package camera
