package config

import (
	"bytes"
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay 連続した書き込みをまとめて1回の再読み込みにする待ち時間
const reloadDelay = 100 * time.Millisecond

// engineWatcher 監視開始後に適用した内容を覚えておき、変化があったときだけ通知する
type engineWatcher struct {
	path     string
	name     string
	applied  []byte
	onChange func(*EngineConfig)
}

// WatchEngine engine.yaml を含むディレクトリを監視し、内容が変わって読み込みに成功するたびに onChange を呼ぶ。
// エディタの置き換え保存（一時ファイル→rename）でも監視が外れない。
// 不正な設定は無視し、直前の設定を維持する。ctx が終了するまで戻らない。
func WatchEngine(ctx context.Context, path string, onChange func(*EngineConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	w := &engineWatcher{path: path, name: filepath.Base(path), onChange: onChange}
	log.Printf("👀 エンジン設定の監視を開始: %s", path)

	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !w.concerns(event) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDelay)
			} else {
				debounce.Reset(reloadDelay)
			}
			fire = debounce.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("❌ 設定監視エラー: %v", err)
		}
	}
}

// concerns 監視対象ファイルへの書き込み・作成（renameでの置き換えを含む）か
func (w *engineWatcher) concerns(event fsnotify.Event) bool {
	if filepath.Base(event.Name) != w.name {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create)
}

func (w *engineWatcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		log.Printf("❌ エンジン設定を読み込めません（直前の設定を維持）: %v", err)
		return
	}
	if bytes.Equal(data, w.applied) {
		return
	}

	cfg, err := parseEngine(data)
	if err != nil {
		log.Printf("❌ エンジン設定の再読み込みに失敗（直前の設定を維持）: %v", err)
		return
	}

	w.applied = data
	log.Printf("✅ エンジン設定を再読み込みしました: %s", w.path)
	w.onChange(cfg)
}
