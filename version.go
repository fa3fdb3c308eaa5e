package main

import (
	"fmt"
	"runtime"

	"github.com/any-hub/tiercache/internal/version"
)

// printVersion 输出版本、提交号以及构建所用的 Go 运行时。
func printVersion() {
	fmt.Fprintf(stdOut, "%s %s/%s %s\n", version.Full(), runtime.GOOS, runtime.GOARCH, runtime.Version())
}
