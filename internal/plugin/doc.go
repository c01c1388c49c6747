// Package plugin 实现插件注册表：负责插件清单校验、生命周期状态机、
// 全局工具名索引、依赖检查、健康巡检与指标统计，并向订阅者广播生命周期
// 事件。注册表只管理"声明"，不关心工具如何执行；执行能力由 runtime 包
// 单独注册，两层刻意解耦。
package plugin
