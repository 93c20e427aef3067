//go:build !gpurt_unified

package gpu

func buildStrategy() memStrategy { return arrayOnDevice{} }
