package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"startuplab/api"
	"startuplab/internal/config"
	"startuplab/internal/logger"
	"startuplab/internal/rag"
)

func main() {
	env := flag.String("env", "dev", "配置环境 dev/prod/test")
	configFile := flag.String("config", "", "配置文件路径（可选）")
	ingestDir := flag.String("ingest", "", "入库目录中的全部文档")
	reset := flag.Bool("reset", false, "不可逆地清空向量库和来源登记")
	stats := flag.Bool("stats", false, "打印知识库统计")
	ask := flag.String("ask", "", "提一个问题并流式打印回答")
	lang := flag.String("lang", "es", "回答语言 es/ca/eu/gl/va")
	flag.Parse()

	if *ingestDir == "" && !*reset && !*stats && *ask == "" {
		flag.Usage()
		os.Exit(2)
	}

	if _, err := config.LoadDotEnv(); err != nil {
		log.Printf("加载 .env 失败: %v", err)
	}
	cfg, err := config.Load(*env, *configFile)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	// 日志输出到 stderr，stdout 只留给回答和统计
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format, "stderr"); err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	container, err := api.NewContainer(ctx, cfg)
	if err != nil {
		log.Fatalf("初始化服务失败: %v", err)
	}
	defer container.Close()
	svc := container.Service

	if *reset {
		if err := svc.ResetStore(ctx); err != nil {
			log.Fatalf("重置失败: %v", err)
		}
		fmt.Println("知识库已清空")
	}

	if *ingestDir != "" {
		n, err := ingestDirectory(ctx, svc, *ingestDir)
		if err != nil {
			log.Fatalf("入库失败: %v", err)
		}
		fmt.Printf("已入库 %d 个文档\n", n)
	}

	if *ask != "" {
		seq, err := svc.Ask(ctx, uuid.New().String(), *ask, *lang)
		if err != nil {
			log.Fatalf("提问失败: %v", err)
		}
		for fragment := range seq {
			fmt.Print(fragment)
		}
		fmt.Println()
	}

	if *stats {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(svc.Stats(ctx)); err != nil {
			log.Fatalf("输出统计失败: %v", err)
		}
	}
}

// ingestDirectory 打开目录下的全部普通文件交给服务，不支持的类型由服务跳过
func ingestDirectory(ctx context.Context, svc *rag.Service, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("读取目录失败: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var files []rag.FileInput
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		f, err := os.Open(filepath.Join(dir, e.Name()))
		if err != nil {
			return 0, fmt.Errorf("打开文件失败: %w", err)
		}
		defer f.Close()
		files = append(files, rag.FileInput{Name: e.Name(), Reader: f})
	}
	return svc.Ingest(ctx, files)
}
