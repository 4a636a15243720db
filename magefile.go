//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const binary = "rpcpool"

// Default 默认任务：显示帮助信息
func Default() {
	fmt.Println("rpcpool 构建系统")
	fmt.Println("================")
	fmt.Println("可用任务:")
	fmt.Println("  mage build       - 构建 rpcpool")
	fmt.Println("  mage test        - 运行所有测试")
	fmt.Println("  mage race        - 使用竞态检测运行测试")
	fmt.Println("  mage coverage    - 生成测试覆盖率报告")
	fmt.Println("  mage lint        - 运行代码检查")
	fmt.Println("  mage status      - 探测全部提供商并打印状态表")
	fmt.Println("  mage clean       - 清理构建产物")
}

// Build 构建二进制文件
func Build() error {
	mg.Deps(Clean)

	output := filepath.Join("./dist", binary)
	if runtime.GOOS == "windows" {
		output += ".exe"
	}

	fmt.Printf("📦 构建 %s...\n", binary)
	cmd := exec.Command("go", "build", "-o", output, "./cmd/rpcpool")
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("构建 %s 失败: %v\n输出: %s", binary, err, string(out))
	}

	if info, err := os.Stat(output); err == nil {
		fmt.Printf("   ✅ %s: %d MB\n", binary, info.Size()/1024/1024)
	}
	return nil
}

// Test 运行所有测试
func Test() error {
	fmt.Println("🧪 运行测试...")
	out, err := sh.Output("go", "test", "./...", "-timeout=5m")
	if err != nil {
		fmt.Printf("测试失败输出:\n%s\n", out)
		return fmt.Errorf("测试失败: %v", err)
	}
	fmt.Println("✅ 测试通过!")
	return nil
}

// Race 使用竞态检测运行连接池相关的并发测试
func Race() error {
	fmt.Println("🏁 运行竞态检测...")
	return sh.RunV("go", "test", "-race", "./pkg/health/...", "./pkg/selector/...", "./pkg/pool/...", "./pkg/transport/...")
}

// Status 使用本地配置探测全部提供商
func Status() error {
	return sh.RunV("go", "run", "./cmd/rpcpool", "-status")
}

// Clean 清理构建产物
func Clean() error {
	if err := os.MkdirAll("./dist", 0755); err != nil {
		return fmt.Errorf("创建 dist 目录失败: %v", err)
	}
	files, err := filepath.Glob("./dist/*")
	if err != nil {
		return fmt.Errorf("查找文件失败: %v", err)
	}
	for _, file := range files {
		if err := os.Remove(file); err != nil {
			fmt.Printf("警告: 无法删除文件 %s: %v\n", file, err)
		}
	}
	if err := os.RemoveAll("./reports"); err != nil {
		fmt.Printf("警告: 清理报告目录失败: %v\n", err)
	}
	return nil
}

// Lint 运行 gofmt 与 go vet
func Lint() error {
	fmt.Println("🔍 运行代码检查...")

	out, err := sh.Output("gofmt", "-l", ".")
	if err != nil {
		return fmt.Errorf("gofmt 检查失败: %v", err)
	}
	if files := strings.TrimSpace(out); files != "" {
		return fmt.Errorf("以下文件需要 gofmt:\n%s", files)
	}

	if err := sh.RunV("go", "vet", "./..."); err != nil {
		return fmt.Errorf("go vet 失败: %v", err)
	}
	fmt.Println("✅ 代码检查通过!")
	return nil
}

// Coverage 生成测试覆盖率报告
func Coverage() error {
	fmt.Println("📈 生成测试覆盖率报告...")
	if err := os.MkdirAll("./reports", 0755); err != nil {
		return fmt.Errorf("创建报告目录失败: %v", err)
	}

	profile := "./reports/coverage.out"
	if out, err := sh.Output("go", "test", "./pkg/...", "-coverprofile="+profile, "-covermode=atomic"); err != nil {
		fmt.Printf("测试输出:\n%s\n", out)
		return fmt.Errorf("生成覆盖率失败: %v", err)
	}
	if err := sh.Run("go", "tool", "cover", "-html="+profile, "-o", "./reports/coverage.html"); err != nil {
		return fmt.Errorf("生成HTML报告失败: %v", err)
	}
	return sh.RunV("go", "tool", "cover", "-func="+profile)
}
