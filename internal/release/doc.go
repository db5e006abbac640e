// Package release 定义发布物（manifest + tarball）的数据模型、发布源接口以及发布源注册表。
//
// 发布源作者需要：
//   1. 在 internal/release/<kind>/ 目录下实现 Source 接口；
//   2. 在 init() 中通过 MustRegister 注册 Factory；
//   3. 返回的 Download.Tarball 必须是本地临时文件路径，由调用方负责 Cleanup。
//
// 校验结果通过 Download.Validity 返回，而不是 error，调用方据此决定是否落盘。
package release
