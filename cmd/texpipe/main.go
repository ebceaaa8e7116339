// Command texpipe 把全景源图构建为多档位变体，并提供运行期的设备分级、解码与资源缓存服务。
package main

import "os"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
