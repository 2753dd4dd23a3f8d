// Package capture takes still images from a V4L2 camera with v4l2-ctl.
//
// Images land in the project's captures directory as capture_NNNNN.jpg and
// are rotated clockwise when the project asks for it, using ImageMagick's
// convert when present and an in-process JPEG rotation otherwise.
package capture
