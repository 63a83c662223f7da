package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// maxEnvSearchDepth 向上查找 .env 的最大层数
const maxEnvSearchDepth = 8

// LoadDotEnv 从工作目录和可执行文件目录逐级向上查找 .env 并加载
// 已存在的环境变量不会被覆盖；返回加载的文件路径，未找到时返回空字符串
func LoadDotEnv() (string, error) {
	path := findDotEnv()
	if path == "" {
		return "", nil
	}
	if err := godotenv.Load(path); err != nil {
		return path, err
	}
	return path, nil
}

func findDotEnv() string {
	var starts []string
	if wd, err := os.Getwd(); err == nil {
		starts = append(starts, wd)
	}
	if exe, err := os.Executable(); err == nil {
		starts = append(starts, filepath.Dir(exe))
	}

	seen := make(map[string]struct{})
	for _, start := range starts {
		dir := filepath.Clean(start)
		for i := 0; i < maxEnvSearchDepth; i++ {
			candidate := filepath.Join(dir, ".env")
			if _, ok := seen[candidate]; !ok {
				seen[candidate] = struct{}{}
				if _, err := os.Stat(candidate); err == nil {
					return candidate
				}
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	return ""
}
