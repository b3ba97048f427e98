package transcode

const defaultHeight = 720

// TargetHeight picks the output height. Sources taller than maxHeight are
// downscaled; unknown sources get a safe default capped by maxHeight.
func TargetHeight(maxHeight, hint int) int {
	if hint > 0 && maxHeight > 0 && hint > maxHeight {
		return maxHeight
	}
	if hint > 0 {
		return hint
	}
	if maxHeight > 0 && maxHeight < defaultHeight {
		return maxHeight
	}
	return defaultHeight
}

// BitrateCeiling maps a height to a video bitrate ceiling in kbps.
func BitrateCeiling(height, overrideKbps int) int {
	if overrideKbps > 0 {
		return overrideKbps
	}
	switch {
	case height <= 576:
		return 700
	case height <= 720:
		return 1000
	case height <= 1080:
		return 1800
	default:
		return 2800
	}
}

func Bufsize(ceilingKbps int) int {
	return 2 * ceilingKbps
}
