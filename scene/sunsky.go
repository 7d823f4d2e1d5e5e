package scene

import "github.com/go-gl/mathgl/mgl32"

// SunAndSky parameterizes the analytic sky used when no environment map lights the scene.
type SunAndSky struct {
	RgbUnitConversion   mgl32.Vec3
	Multiplier          float32
	HazeDensity         float32
	RedBlueShift        float32
	Saturation          float32
	HorizonHeight       float32
	GroundColor         mgl32.Vec3
	HorizonBlur         float32
	NightColor          mgl32.Vec3
	SunDiskIntensity    float32
	SunDirection        mgl32.Vec3
	SunDiskScale        float32
	SunGlowIntensity    float32
	YIsUp               int32
	PhysicallyScaledSun int32
	InUse               int32
}

func DefaultSunAndSky() SunAndSky {
	return SunAndSky{
		RgbUnitConversion:   mgl32.Vec3{1.0 / 80000, 1.0 / 80000, 1.0 / 80000},
		Multiplier:          0.1,
		HazeDensity:         0,
		RedBlueShift:        0,
		Saturation:          1,
		HorizonHeight:       0,
		GroundColor:         mgl32.Vec3{0.4, 0.4, 0.4},
		HorizonBlur:         0.1,
		NightColor:          mgl32.Vec3{0, 0, 0.01},
		SunDiskIntensity:    1,
		SunDirection:        mgl32.Vec3{0, 0, 1},
		SunDiskScale:        1,
		SunGlowIntensity:    1,
		YIsUp:               1,
		PhysicallyScaledSun: 1,
		InUse:               0,
	}
}

func (s SunAndSky) Bytes() []byte {
	return encode(s)
}
