// Package imaging implements the raster stages of the upscaling pipeline:
// decoding, scale planning, resampling, sharpening and JPEG encoding.
//
// All stages operate on Raster, an opaque 8-bit RGB image stored row-major
// with a constant alpha byte so it can be handed to image/jpeg and the
// third-party filters as an *image.RGBA without copying.
//
// # Pipeline
//
// A request moves through the package in this order:
//
//  1. DecodeInfo: header-only probe used by validation
//  2. Decode: full decode, alpha composited onto white
//  3. PlanScale: target size, clamped to the output ceiling
//  4. Resampler.Resample: separable bicubic by default
//  5. Sharpen: fixed-parameter unsharp mask
//  6. Encode: JPEG into a pooled buffer, consumed as a chunked Stream
//
// # Coordinate System
//
// Pixel (0,0) is the top-left corner. Resampling treats pixel centers as
// lying at (x+0.5, y+0.5), so enlarging by an integer factor keeps the image
// centered rather than shifting it toward the origin.
//
// # Determinism
//
// Every stage is a pure function of its inputs. Bicubic parallelizes across
// row bands, but each output row depends only on fixed source rows, so the
// band split never changes the result.
//
// # Thread Safety
//
// Rasters are not synchronized. Each request owns its rasters exclusively;
// nothing in this package caches images between calls.
package imaging
