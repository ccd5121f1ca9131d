//go:build !govips || !cgo

package codec

func Startup() error {
	return nil
}

func Shutdown() {}

func newDefault(resampler Resampler) Codec {
	return NewStd(resampler)
}

func newGovips() (Codec, bool) {
	return nil, false
}
