package camera

// yuyvToRGB24 expands packed YUYV 4:2:2 into packed RGB24 using BT.601
// integer coefficients. dst must hold width*height*3 bytes; src carries two
// pixels per four bytes. Conversion stops at whichever of src or
// width*height runs out first, so a truncated source never faults.
func yuyvToRGB24(dst, src []byte, width, height int) {
	pixels := width * height
	if fit := len(src) / 4 * 2; fit < pixels {
		pixels = fit
	}
	si := 0
	di := 0
	for p := 0; p+1 < pixels; p += 2 {
		y0 := int(src[si])
		u := int(src[si+1]) - 128
		y1 := int(src[si+2])
		v := int(src[si+3]) - 128
		si += 4

		r := (v * 359) >> 8
		g := (u*88 + v*183) >> 8
		b := (u * 454) >> 8

		dst[di] = clamp8(y0 + r)
		dst[di+1] = clamp8(y0 - g)
		dst[di+2] = clamp8(y0 + b)
		dst[di+3] = clamp8(y1 + r)
		dst[di+4] = clamp8(y1 - g)
		dst[di+5] = clamp8(y1 + b)
		di += 6
	}
}

func clamp8(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
